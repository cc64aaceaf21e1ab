package modelkit

import (
	"errors"
	"sort"
)

// Factory resolves a model's Meta from its declared MetaBlock, the base
// model's Meta and a fixed, ordered list of options.
type Factory struct {
	options []Option
}

// DefaultFactory returns a factory with the built-in options
func DefaultFactory() *Factory {
	return &Factory{options: DefaultOptions()}
}

// NewFactory returns a factory over options. The first option must be the
// abstract option.
func NewFactory(options ...Option) (*Factory, error) {
	if len(options) == 0 || options[0].Name() != OptAbstract {
		return nil, &ConfigError{Option: OptAbstract, Message: "the first option of a Meta option factory must be the abstract option"}
	}
	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		name := opt.Name()
		if name == hiddenOption {
			continue
		}
		if seen[name] {
			return nil, &ConfigError{Option: name, Message: "duplicate Meta option"}
		}
		seen[name] = true
	}
	return &Factory{options: append([]Option(nil), options...)}, nil
}

// With returns a copy of f with options appended. An option replaces a
// built-in option of the same name in place.
func (f *Factory) With(options ...Option) *Factory {
	out := &Factory{options: append([]Option(nil), f.options...)}
	for _, opt := range options {
		replaced := false
		for i, existing := range out.options {
			if existing.Name() != hiddenOption && existing.Name() == opt.Name() {
				out.options[i] = opt
				replaced = true
				break
			}
		}
		if !replaced {
			out.options = append(out.options, opt)
		}
	}
	return out
}

// Options returns the options in resolution order
func (f *Factory) Options() []Option {
	return append([]Option(nil), f.options...)
}

// Resolve computes the Meta of the model described by args. Every option
// value is computed and checked in order before any option contributes to
// args.Namespace, so contributions see the fully resolved Meta.
func (f *Factory) Resolve(declared MetaBlock, args *Args) (*Meta, error) {
	if err := f.checkKeys(declared, args.Name); err != nil {
		return nil, err
	}

	base := args.BaseMeta()
	meta := newMeta(args.Name, base != nil && base.Abstract())
	args.Meta = meta

	values := make([]any, len(f.options))
	for i, opt := range f.options {
		v, err := opt.Value(declared, base, args)
		if err != nil {
			return nil, asConfigError(err, args.Name, opt.Name())
		}
		if err := opt.Check(v, args); err != nil {
			return nil, asConfigError(err, args.Name, opt.Name())
		}
		values[i] = v
		if opt.Name() != hiddenOption {
			meta.set(opt.Name(), v)
		}
	}

	for i, opt := range f.options {
		if err := opt.Contribute(values[i], args); err != nil {
			return nil, asConfigError(err, args.Name, opt.Name())
		}
	}
	return meta, nil
}

func (f *Factory) checkKeys(declared MetaBlock, model string) error {
	known := make(map[string]bool, len(f.options))
	for _, opt := range f.options {
		known[opt.Name()] = true
	}
	var unknown []string
	for k := range declared {
		if !known[k] || k == hiddenOption {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return configErrorf(model, unknown[0], "unknown Meta option")
}

func asConfigError(err error, model, option string) error {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	return &ConfigError{Model: model, Option: option, Message: err.Error()}
}
