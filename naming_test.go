package modelkit

import "testing"

func TestSnakeCase(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"User", "user"},
		{"YellowSubmarine", "yellow_submarine"},
		{"HTTPRequest", "http_request"},
		{"APIKey", "api_key"},
		{"UserID", "user_id"},
		{"already_snake", "already_snake"},
		{"with-dash", "with_dash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snakeCase(tt.name); got != tt.want {
				t.Errorf("snakeCase(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestTitleCase(t *testing.T) {
	if got := titleCase("first_name"); got != "First Name" {
		t.Errorf("Expected 'First Name', got %q", got)
	}
	if got := camelCase("first_name"); got != "FirstName" {
		t.Errorf("Expected 'FirstName', got %q", got)
	}
}
