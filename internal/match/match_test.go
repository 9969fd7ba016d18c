package match

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		name             string
		letter, det, spk string
		want             bool
	}{
		{"both match", "B", "banana", "Banana", true},
		{"case and spaces", "b", "  Bottle ", "\tbOTTLE", true},
		{"label wrong", "B", "apple", "banana", false},
		{"speech wrong", "B", "banana", "apple", false},
		{"empty speech", "C", "cup", "", false},
		{"empty letter", "", "cup", "cup", false},
		{"unicode fold", "Ö", "ölkanne", "Ölkanne", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.letter, tc.det, tc.spk); got != tc.want {
				t.Fatalf("Matches(%q, %q, %q) = %v, want %v", tc.letter, tc.det, tc.spk, got, tc.want)
			}
		})
	}
}
