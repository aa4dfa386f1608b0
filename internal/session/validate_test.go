package session

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work-1", "a", "my_session"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Has Spaces", "UPPER", "../escape", "x/y", "über"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}
