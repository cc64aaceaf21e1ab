package cli

import (
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fernandezvara/modelkit"
)

type modelListing struct {
	Stats  modelkit.RegistryStats `yaml:"stats"`
	Models []modelSummary         `yaml:"models"`
}

type modelSummary struct {
	Name       string          `yaml:"name"`
	Table      string          `yaml:"table"`
	Base       string          `yaml:"base,omitempty"`
	State      string          `yaml:"state"`
	Identity   string          `yaml:"polymorphic_identity,omitempty"`
	PrimaryKey []string        `yaml:"primary_key"`
	Columns    []columnSummary `yaml:"columns"`
}

type columnSummary struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	PrimaryKey bool   `yaml:"primary_key,omitempty"`
	Nullable   bool   `yaml:"nullable,omitempty"`
	Unique     bool   `yaml:"unique,omitempty"`
	References string `yaml:"references,omitempty"`
}

func (a *app) newModelsCommand() *cobra.Command {
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the application's models as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.offline()
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := a.loadModels(cmd.Context(), db); err != nil {
				return err
			}

			listing := summarize(db.Registry(), pendingOnly)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(listing); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only list models that are not initialized")
	return cmd
}

func summarize(r *modelkit.Registry, pendingOnly bool) modelListing {
	listing := modelListing{Stats: r.Stats()}
	for _, m := range r.Models() {
		entry, _ := r.Entry(m.Name())
		if pendingOnly && entry.State == modelkit.StateInitialized {
			continue
		}
		s := modelSummary{
			Name:       m.Name(),
			Table:      m.Table(),
			State:      string(entry.State),
			Identity:   m.Identity(),
			PrimaryKey: m.PrimaryKeyColumns(),
		}
		if b := m.Base(); b != nil && b != r.Root() {
			s.Base = b.Name()
		}
		for _, c := range m.AllColumns() {
			cs := columnSummary{
				Name:       c.Name,
				Type:       string(c.Type),
				PrimaryKey: c.PrimaryKey,
				Nullable:   !c.NotNull && !c.PrimaryKey,
				Unique:     c.Unique,
			}
			if fk := c.ForeignKey; fk != nil {
				cs.References = fk.String()
			}
			s.Columns = append(s.Columns, cs)
		}
		listing.Models = append(listing.Models, s)
	}
	sort.SliceStable(listing.Models, func(i, j int) bool { return listing.Models[i].Name < listing.Models[j].Name })
	return listing
}
