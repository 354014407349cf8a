package market

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidate(t *testing.T) {
	ok := Tick{Symbol: "TSLA", Price: decimal.NewFromInt(200), Time: time.Now()}
	if err := Validate(ok); err != nil {
		t.Fatalf("valid tick rejected: %v", err)
	}

	bad := []Tick{
		{Symbol: "", Price: decimal.NewFromInt(200)},
		{Symbol: "  ", Price: decimal.NewFromInt(200)},
		{Symbol: "TSLA", Price: decimal.Zero},
		{Symbol: "TSLA", Price: decimal.NewFromInt(-1)},
	}
	for i, tk := range bad {
		if err := Validate(tk); !errors.Is(err, ErrMalformedTick) {
			t.Fatalf("case %d: want ErrMalformedTick, got %v", i, err)
		}
	}
}

func TestParsePrice(t *testing.T) {
	cases := map[string]string{
		"201.5":    "201.5",
		" 179 ":    "179",
		"C180.25":  "180.25",
		"H99.1":    "99.1",
		"1,234.50": "1234.5",
	}
	for in, want := range cases {
		got, err := ParsePrice(in)
		if err != nil {
			t.Fatalf("ParsePrice(%q): %v", in, err)
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("ParsePrice(%q) got %s want %s", in, got, want)
		}
	}

	for _, in := range []string{"", "C", "abc", "12.3.4"} {
		if _, err := ParsePrice(in); !errors.Is(err, ErrMalformedTick) {
			t.Fatalf("ParsePrice(%q) want ErrMalformedTick, got %v", in, err)
		}
	}
}

func TestCanonicalSymbol(t *testing.T) {
	if got := CanonicalSymbol(" tsla "); got != "TSLA" {
		t.Fatalf("got %s want TSLA", got)
	}
}
