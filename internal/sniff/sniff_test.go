package sniff

import (
	"fmt"
	"reflect"
	"testing"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
)

//
// ---- type detection ---------------------------------------------------------
//

func TestSniff(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		values []string
		want   Result
	}{
		{"Empty", nil, Result{Type: dataset.TypeEmpty}},
		{"AllBlank", []string{"", " ", "   "}, Result{Type: dataset.TypeEmpty}},
		{"Integers", []string{"1", "22"}, Result{Type: dataset.TypeInteger}},
		{"IntegersWithBlanks", []string{"1", "", "-3"}, Result{Type: dataset.TypeInteger}},
		{"GroupedInteger", []string{"1 000", "12"}, Result{Type: dataset.TypeInteger}},
		{"Numbers", []string{"1.1", "2.2"}, Result{Type: dataset.TypeNumber}},
		{"MixedIntAndFloat", []string{"1", "2.5"}, Result{Type: dataset.TypeNumber}},
		{"CommaDecimal", []string{"1,5", "3,25"}, Result{Type: dataset.TypeNumber}},
		{"DotGroupedCommaDecimal", []string{"1.234,5", "12.345.678,25"}, Result{Type: dataset.TypeNumber}},
		{"CommaGroupedDotDecimal", []string{"1,234.5", "3.25"}, Result{Type: dataset.TypeNumber}},
		{"Booleans", []string{"true", "false"}, Result{Type: dataset.TypeBoolean}},
		{"FrenchBooleans", []string{"Oui", "non"}, Result{Type: dataset.TypeBoolean}},
		{"DigitsAreNotBooleans", []string{"1", "0"}, Result{Type: dataset.TypeInteger}},
		{"PostalCodes", []string{"01000", "75001"}, Result{Type: dataset.TypeString}},
		{"ISODate", []string{"2017-11-29"}, Result{Type: dataset.TypeString, Format: dataset.FormatDate}},
		{"ISODateTime", []string{"2017-11-29T10:00:00Z", "2017-11-29T11:30:00+01:00"}, Result{Type: dataset.TypeString, Format: dataset.FormatDateTime}},
		{"LocaleDate", []string{"29/11/2017", "1/2/2018"}, Result{Type: dataset.TypeString, Format: dataset.FormatDate, DateFormat: "2/1/2006"}},
		{"LocaleDateTime", []string{"29/11/2017 10:30"}, Result{Type: dataset.TypeString, Format: dataset.FormatDateTime, DateFormat: "2/1/2006 15:04"}},
		{"URIs", []string{"https://example.com/a", "http://data.gouv.fr"}, Result{Type: dataset.TypeString, Format: dataset.FormatURIRef}},
		{"Text", []string{"x", "1", "true"}, Result{Type: dataset.TypeString}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Sniff(tc.values, nil, Options{})
			if err != nil {
				t.Fatalf("Sniff: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Sniff(%q) = %+v; want %+v", tc.values, got, tc.want)
			}
		})
	}
}

func TestSniff_CustomDateFormats(t *testing.T) {
	t.Parallel()
	got, err := Sniff([]string{"11-29-2017"}, nil, Options{DateFormats: []string{"01-02-2006"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Format != dataset.FormatDate || got.DateFormat != "01-02-2006" {
		t.Fatalf("got %+v", got)
	}
}

func TestSniff_Attachments(t *testing.T) {
	t.Parallel()
	attachments := []string{"docs/a.pdf", "docs/b.pdf", "docs/c.pdf"}

	got, err := Sniff([]string{"docs/a.pdf", "./docs/b.pdf"}, attachments, Options{})
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if got.RefersTo != dataset.ConceptDigitalDocument || got.Type != dataset.TypeString {
		t.Fatalf("attachment column not detected: %+v", got)
	}

	// 3 of 4 valid: a near miss is reported to the owner.
	_, err = Sniff([]string{"docs/a.pdf", "docs/b.pdf", "docs/c.pdf", "docs/d.pdf"}, attachments, Options{})
	if err == nil || !apperr.IsData(err) {
		t.Fatalf("expected data error, got %v", err)
	}

	// Mostly unrelated values fall through to string.
	got, err = Sniff([]string{"docs/a.pdf", "foo", "bar"}, attachments, Options{})
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if got.Type != dataset.TypeString || got.RefersTo != "" {
		t.Fatalf("got %+v", got)
	}
}

//
// ---- coercion ---------------------------------------------------------------
//

func TestFormat(t *testing.T) {
	t.Parallel()
	intProp := dataset.Property{Type: dataset.TypeInteger}
	numProp := dataset.Property{Type: dataset.TypeNumber}
	boolProp := dataset.Property{Type: dataset.TypeBoolean}
	dateProp := dataset.Property{Type: dataset.TypeString, Format: dataset.FormatDate}
	localeDate := dataset.Property{Type: dataset.TypeString, Format: dataset.FormatDate, DateFormat: "2/1/2006"}
	multi := dataset.Property{Type: dataset.TypeString, Separator: ";"}

	cases := []struct {
		value string
		prop  dataset.Property
		want  any
	}{
		{" 42 ", intProp, int64(42)},
		{"1 234", intProp, int64(1234)},
		{"4.2", intProp, nil},
		{"", intProp, nil},
		{"1,5", numProp, 1.5},
		{"1 234,5", numProp, 1234.5},
		{"1.234,5", numProp, 1234.5},
		{"1,234.5", numProp, 1234.5},
		{"abc", numProp, nil},
		{"Oui", boolProp, true},
		{"faux", boolProp, false},
		{"1", boolProp, true},
		{"maybe", boolProp, nil},
		{"2017-11-29", dateProp, "2017-11-29"},
		{"29/11/2017", localeDate, "2017-11-29"},
		{"2017-13-01", dateProp, nil},
		{"a; b ;", multi, []string{"a", "b"}},
		{"  hello ", dataset.Property{Type: dataset.TypeString}, "hello"},
	}
	for i, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("%d_%s", i, tc.value), func(t *testing.T) {
			t.Parallel()
			got := Format(tc.value, tc.prop)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Format(%q) = %#v; want %#v", tc.value, got, tc.want)
			}
		})
	}
}

//
// ---- keys -------------------------------------------------------------------
//

func TestKey(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"  Hello World  ", "hello_world"},
		{"Numéro de Siret", "numero_de_siret"},
		{"A-B.C", "a_b_c"},
		{"_id", "id"},
		{"__private", "private"},
		{"__  ", "col"},
		{"l'année", "l_annee"},
	}
	for _, tc := range cases {
		got := Key(tc.in)
		if got != tc.want {
			t.Fatalf("Key(%q)=%q; want %q", tc.in, got, tc.want)
		}
		if again := Key(got); again != got {
			t.Fatalf("Key not idempotent: %q -> %q", got, again)
		}
	}
}

func TestUniqueKeys(t *testing.T) {
	t.Parallel()
	names := []string{"Prix", "prix", "Prix (€)", "prix_2"}
	got := UniqueKeys(names)
	want := []string{"prix", "prix_2", "prix_3", "prix_2_2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UniqueKeys = %v; want %v", got, want)
	}
	if again := UniqueKeys(names); !reflect.DeepEqual(again, got) {
		t.Fatalf("UniqueKeys not deterministic: %v vs %v", again, got)
	}
}

//
// ---- sampling ---------------------------------------------------------------
//

func TestReservoir_KeepsAllWhenSmall(t *testing.T) {
	t.Parallel()
	r := NewReservoir(10, 1)
	for _, v := range []string{"a", "", "b", " c "} {
		r.Add(v)
	}
	if !reflect.DeepEqual(r.Values(), []string{"a", "b", "c"}) {
		t.Fatalf("values = %v", r.Values())
	}
	if r.Seen() != 3 {
		t.Fatalf("seen = %d", r.Seen())
	}
}

func TestReservoir_UniformOverStream(t *testing.T) {
	t.Parallel()
	// A sorted stream: a head-only sample would never see values past 100.
	r := NewReservoir(100, 7)
	for i := 0; i < 10000; i++ {
		r.Add(fmt.Sprint(i))
	}
	if len(r.Values()) != 100 {
		t.Fatalf("len = %d", len(r.Values()))
	}
	late := 0
	for _, v := range r.Values() {
		var n int
		fmt.Sscan(v, &n)
		if n >= 5000 {
			late++
		}
	}
	if late < 20 {
		t.Fatalf("sample biased toward the head: only %d of 100 values from the second half", late)
	}
}

func TestReservoir_Deterministic(t *testing.T) {
	t.Parallel()
	fill := func() []string {
		r := NewReservoir(5, 3)
		for i := 0; i < 1000; i++ {
			r.Add(fmt.Sprint(i))
		}
		return r.Values()
	}
	if a, b := fill(), fill(); !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed, different samples: %v vs %v", a, b)
	}
}

func TestSampler_ColumnOrder(t *testing.T) {
	t.Parallel()
	s := NewSampler(4)
	s.Observe("b", "1")
	s.Observe("a", "x")
	s.Observe("b", "2")
	if !reflect.DeepEqual(s.Columns(), []string{"b", "a"}) {
		t.Fatalf("columns = %v", s.Columns())
	}
	if !reflect.DeepEqual(s.Values("b"), []string{"1", "2"}) {
		t.Fatalf("values = %v", s.Values("b"))
	}
	if s.Values("missing") != nil {
		t.Fatal("unknown column should have no values")
	}
}
