package cli

import (
	"testing"

	"github.com/vietddude/reducer/internal/core/domain"
)

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Family
		err  bool
	}{
		{"balance", domain.FamilyBalance, false},
		{"Item", domain.FamilyItem, false},
		{"OWNERSHIP", domain.FamilyOwnership, false},
		{"wallet", "", true},
	}
	for _, tt := range tests {
		got, err := parseFamily(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("parseFamily(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseFamily(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
