package core

import (
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"lodash", false},
		{"lodash.merge", false},
		{"@babel/core", false},
		{"left_pad-2", false},
		{"../evil", true},
		{"..", true},
		{".hidden", true},
		{"@scope/../evil", true},
		{"a/b", true},
		{"@scope/a/b", true},
		{"name with space", true},
		{"semi;colon", true},
		{"", true},
		{"@/core", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		input   string
		want    Ref
		wantErr bool
	}{
		{input: "lodash", want: Ref{Name: "lodash", Version: Latest}},
		{input: "lodash@4.17.21", want: Ref{Name: "lodash", Version: "4.17.21"}},
		{input: "lodash@latest", want: Ref{Name: "lodash", Version: Latest}},
		{input: "lodash@", want: Ref{Name: "lodash", Version: Latest}},
		{input: "@babel/core", want: Ref{Name: "@babel/core", Version: Latest}},
		{input: "@babel/core@7.24.0", want: Ref{Name: "@babel/core", Version: "7.24.0"}},
		{input: "react@18.3.0-rc.1", want: Ref{Name: "react", Version: "18.3.0-rc.1"}},
		{input: "pkg:npm/%40babel/core@7.24.0", want: Ref{Name: "@babel/core", Version: "7.24.0"}},
		{input: "pkg:npm/lodash", want: Ref{Name: "lodash", Version: Latest}},
		{input: "lodash@^4.0.0", wantErr: true},
		{input: "../evil@1.0.0", wantErr: true},
		{input: "pkg:cargo/serde@1.0.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRef(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRef(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRef(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRefParts(t *testing.T) {
	ref := Ref{Name: "@babel/core", Version: "7.24.0"}
	if ref.Key() != "@babel/core@7.24.0" {
		t.Errorf("Key() = %q", ref.Key())
	}
	if ref.Scope() != "@babel" {
		t.Errorf("Scope() = %q", ref.Scope())
	}
	if ref.ShortName() != "core" {
		t.Errorf("ShortName() = %q", ref.ShortName())
	}

	back, ok := SplitKey(ref.Key())
	if !ok || back != ref {
		t.Errorf("SplitKey round trip = %+v, %v", back, ok)
	}
	if _, ok := SplitKey("nokey"); ok {
		t.Error("SplitKey should reject keys without a version")
	}
}

func TestRefPURL(t *testing.T) {
	tests := []struct {
		ref  Ref
		want string
	}{
		{Ref{Name: "lodash", Version: "4.17.21"}, "pkg:npm/lodash@4.17.21"},
		{Ref{Name: "@babel/core", Version: "7.24.0"}, "pkg:npm/%40babel/core@7.24.0"},
		{Ref{Name: "react", Version: Latest}, "pkg:npm/react"},
	}

	for _, tt := range tests {
		if got := tt.ref.PURL(); got != tt.want {
			t.Errorf("PURL() = %q, want %q", got, tt.want)
		}
		back, err := ParsePURL(tt.want)
		if err != nil {
			t.Fatalf("ParsePURL(%q) failed: %v", tt.want, err)
		}
		if back.Name != tt.ref.Name {
			t.Errorf("ParsePURL(%q).Name = %q, want %q", tt.want, back.Name, tt.ref.Name)
		}
	}
}
