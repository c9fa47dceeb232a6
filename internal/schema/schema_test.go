package schema

import (
	"reflect"
	"testing"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
)

func prop(key, typ string) dataset.Property {
	return dataset.Property{Key: key, Type: typ, Detected: &dataset.Detection{Type: typ}, OriginalName: key}
}

func keys(schema []dataset.Property) []string {
	out := make([]string, len(schema))
	for i, p := range schema {
		out[i] = p.Key
	}
	return out
}

//
// ---- merge ------------------------------------------------------------------
//

func TestMergeFileSchema_CarriesUserEdits(t *testing.T) {
	t.Parallel()

	previous := []dataset.Property{
		{Key: "code", Type: dataset.TypeString, Title: "Code INSEE", Detected: &dataset.Detection{Type: dataset.TypeInteger}},
		{Key: "value", Type: dataset.TypeNumber, Detected: &dataset.Detection{Type: dataset.TypeNumber}, RefersTo: "http://schema.org/value"},
	}
	detected := []dataset.Property{
		prop("code", dataset.TypeInteger),
		prop("value", dataset.TypeInteger),
	}
	got := MergeFileSchema(previous, detected)

	if got[0].Type != dataset.TypeString || got[0].Title != "Code INSEE" {
		t.Fatalf("user override lost: %+v", got[0])
	}
	// Not overridden: the new detection wins but descriptive fields stay.
	if got[1].Type != dataset.TypeInteger || got[1].RefersTo != "http://schema.org/value" {
		t.Fatalf("unexpected merge for value: %+v", got[1])
	}
	if got[1].Detected.Type != dataset.TypeInteger {
		t.Fatalf("detection record should be refreshed: %+v", got[1].Detected)
	}
}

func TestMergeFileSchema_AppendsAndDrops(t *testing.T) {
	t.Parallel()

	previous := []dataset.Property{
		prop("a", dataset.TypeString),
		prop("gone", dataset.TypeString),
		{Key: "geo_city", Type: dataset.TypeString, Extension: "geocoder"},
		{Key: dataset.KeyOrdinal, Type: dataset.TypeInteger, Calculated: true},
	}
	detected := []dataset.Property{
		prop("a", dataset.TypeString),
		prop("b", dataset.TypeInteger),
		prop("blank", dataset.TypeEmpty),
	}
	got := MergeFileSchema(previous, detected)
	want := []string{"a", "b", "geo_city", dataset.KeyOrdinal}
	if !reflect.DeepEqual(keys(got), want) {
		t.Fatalf("keys = %v; want %v", keys(got), want)
	}
}

func TestMergeFileSchema_Idempotent(t *testing.T) {
	t.Parallel()

	detected := []dataset.Property{prop("id", dataset.TypeInteger), prop("value", dataset.TypeString)}
	first := MergeFileSchema(nil, detected)
	second := MergeFileSchema(first, detected)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-merging an unchanged file changed the schema:\n%+v\n%+v", first, second)
	}
}

func TestClean(t *testing.T) {
	t.Parallel()

	got := Clean([]dataset.Property{
		{Key: "a", Type: dataset.TypeString},
		{Key: "b", Type: ""},
		{Key: "c", Type: dataset.TypeEmpty},
		{Key: "a", Type: dataset.TypeInteger},
	})
	if !reflect.DeepEqual(keys(got), []string{"a"}) || got[0].Type != dataset.TypeString {
		t.Fatalf("Clean = %+v", got)
	}
}

func TestWithCalculated(t *testing.T) {
	t.Parallel()

	base := []dataset.Property{prop("a", dataset.TypeString)}
	got := WithCalculated(base, CalculatedOptions{REST: true})
	want := []string{"a", dataset.KeyID, dataset.KeyOrdinal, dataset.KeyRand, dataset.KeyUpdatedAt}
	if !reflect.DeepEqual(keys(got), want) {
		t.Fatalf("keys = %v; want %v", keys(got), want)
	}
	if again := WithCalculated(got, CalculatedOptions{REST: true}); len(again) != len(got) {
		t.Fatalf("calculated columns duplicated: %v", keys(again))
	}
	if len(base) != 1 {
		t.Fatal("input slice mutated")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	if err := Check([]dataset.Property{prop("a", dataset.TypeString), {Key: "_i", Type: dataset.TypeInteger, Calculated: true}}); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}
	bad := [][]dataset.Property{
		{{Key: "", Type: dataset.TypeString}},
		{prop("a", dataset.TypeString), prop("a", dataset.TypeString)},
		{{Key: "_secret", Type: dataset.TypeString}},
		{{Key: "x", Type: "blob"}},
		{{Key: "x", Type: dataset.TypeInteger, Format: dataset.FormatDate}},
	}
	for i, s := range bad {
		err := Check(s)
		if err == nil || !apperr.IsData(err) {
			t.Fatalf("case %d: expected data error, got %v", i, err)
		}
	}
}

//
// ---- breaking changes -------------------------------------------------------
//

func TestBreakingChanges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		old, new []dataset.Property
		want     []ChangeKind
	}{
		{
			name: "NarrowNumberToInteger",
			old:  []dataset.Property{prop("v", dataset.TypeNumber)},
			new:  []dataset.Property{prop("v", dataset.TypeInteger)},
			want: []ChangeKind{ChangeType},
		},
		{
			name: "WidenIntegerToNumber",
			old:  []dataset.Property{prop("v", dataset.TypeInteger)},
			new:  []dataset.Property{prop("v", dataset.TypeNumber)},
		},
		{
			name: "AddOptionalColumn",
			old:  []dataset.Property{prop("v", dataset.TypeInteger)},
			new:  []dataset.Property{prop("v", dataset.TypeInteger), prop("w", dataset.TypeString)},
		},
		{
			name: "AnythingToPlainString",
			old:  []dataset.Property{prop("v", dataset.TypeBoolean)},
			new:  []dataset.Property{prop("v", dataset.TypeString)},
		},
		{
			name: "StringToDate",
			old:  []dataset.Property{prop("v", dataset.TypeString)},
			new:  []dataset.Property{{Key: "v", Type: dataset.TypeString, Format: dataset.FormatDate}},
			want: []ChangeKind{ChangeType},
		},
		{
			name: "DateToDateTime",
			old:  []dataset.Property{{Key: "v", Type: dataset.TypeString, Format: dataset.FormatDate}},
			new:  []dataset.Property{{Key: "v", Type: dataset.TypeString, Format: dataset.FormatDateTime}},
		},
		{
			name: "RemoveRequired",
			old:  []dataset.Property{{Key: "v", Type: dataset.TypeString, Required: true}},
			new:  nil,
			want: []ChangeKind{ChangeRemoved},
		},
		{
			name: "RemoveOptional",
			old:  []dataset.Property{prop("v", dataset.TypeString), prop("w", dataset.TypeString)},
			new:  []dataset.Property{prop("v", dataset.TypeString)},
		},
		{
			name: "BecomesRequired",
			old:  []dataset.Property{prop("v", dataset.TypeString)},
			new:  []dataset.Property{{Key: "v", Type: dataset.TypeString, Required: true}},
			want: []ChangeKind{ChangeRequired},
		},
		{
			name: "CalculatedIgnored",
			old:  []dataset.Property{{Key: "_i", Type: dataset.TypeInteger, Calculated: true}},
			new:  nil,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := BreakingChanges(tc.old, tc.new)
			var kinds []ChangeKind
			for _, c := range got {
				kinds = append(kinds, c.Kind)
				if c.Description == "" {
					t.Fatalf("change without description: %+v", c)
				}
			}
			if !reflect.DeepEqual(kinds, tc.want) {
				t.Fatalf("kinds = %v; want %v", kinds, tc.want)
			}
		})
	}
}

func TestFullyCompatible(t *testing.T) {
	t.Parallel()

	a := []dataset.Property{prop("v", dataset.TypeInteger), {Key: "_i", Type: dataset.TypeInteger, Calculated: true}}
	b := []dataset.Property{prop("v", dataset.TypeInteger)}
	if !FullyCompatible(a, b, false) {
		t.Fatal("calculated columns should be ignored")
	}
	titled := []dataset.Property{prop("v", dataset.TypeInteger)}
	titled[0].Title = "Value"
	if !FullyCompatible(b, titled, false) {
		t.Fatal("non-strict comparison ignores titles")
	}
	if FullyCompatible(b, titled, true) {
		t.Fatal("strict comparison compares titles")
	}
	if FullyCompatible(b, append(b, prop("w", dataset.TypeString)), false) {
		t.Fatal("an added column is not full compatibility")
	}
	if FullyCompatible(b, []dataset.Property{prop("v", dataset.TypeNumber)}, false) {
		t.Fatal("a type change is not full compatibility")
	}
}

//
// ---- draft policy -----------------------------------------------------------
//

func TestAutoValidate(t *testing.T) {
	t.Parallel()

	main := []dataset.Property{prop("id", dataset.TypeString), prop("value", dataset.TypeNumber)}
	same := []dataset.Property{prop("id", dataset.TypeString), prop("value", dataset.TypeNumber)}
	additive := append([]dataset.Property{}, prop("id", dataset.TypeString), prop("value", dataset.TypeNumber), prop("extra", dataset.TypeString))
	narrowing := []dataset.Property{prop("id", dataset.TypeString), prop("value", dataset.TypeInteger)}

	cases := []struct {
		mode  ValidationMode
		draft []dataset.Property
		want  bool
	}{
		{ModeNever, same, false},
		{ModeNever, additive, false},
		{ModeAlways, same, true},
		{ModeAlways, additive, true},
		{ModeAlways, narrowing, false},
		{ModeNoBreakingChange, same, true},
		{ModeNoBreakingChange, additive, true},
		{ModeNoBreakingChange, narrowing, false},
		{ModeCompatible, same, true},
		{ModeCompatible, additive, false},
		{ModeCompatible, narrowing, false},
	}
	for _, tc := range cases {
		d := AutoValidate(tc.mode, main, tc.draft)
		if d.AutoValidate != tc.want {
			t.Fatalf("AutoValidate(%s, %v) = %v (%s); want %v", tc.mode, keys(tc.draft), d.AutoValidate, d.Reason, tc.want)
		}
		if !d.AutoValidate && d.Reason == "" {
			t.Fatalf("refusal without reason for %s", tc.mode)
		}
	}
}

func TestParseValidationMode(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"always", "never", "noBreakingChange", "compatible"} {
		if _, err := ParseValidationMode(s); err != nil {
			t.Fatalf("ParseValidationMode(%q): %v", s, err)
		}
	}
	if _, err := ParseValidationMode("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}
