package dataset

import "testing"

func TestStateDraftHelpers(t *testing.T) {
	t.Parallel()

	if !StateDraftAnalyzed.IsDraft() || StateAnalyzed.IsDraft() {
		t.Fatal("IsDraft mismatch")
	}
	if StateDraftSchematized.Base() != StateSchematized {
		t.Fatalf("Base = %s", StateDraftSchematized.Base())
	}
	if StateCreated.Draft() != StateDraftCreated || StateDraftCreated.Draft() != StateDraftCreated {
		t.Fatal("Draft() should add the prefix once")
	}
}

func TestNeedsWork(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ds   Dataset
		want bool
	}{
		{"created file", Dataset{Kind: KindFile, Status: StateCreated}, true},
		{"finalized file", Dataset{Kind: KindFile, Status: StateFinalized}, false},
		{"error file", Dataset{Kind: KindFile, Status: StateError}, false},
		{"draft analyzed", Dataset{Kind: KindFile, Status: StateFinalized, Draft: &Draft{Status: StateDraftAnalyzed}}, true},
		{"draft waiting owner", Dataset{Kind: KindFile, Status: StateFinalized, Draft: &Draft{Status: StateDraftValidated}}, false},
		{"rest pending lines", Dataset{Kind: KindREST, Status: StateFinalized, REST: &RESTConfig{LinesRevision: 1}}, true},
		{"rest idle", Dataset{Kind: KindREST, Status: StateFinalized, REST: &RESTConfig{}}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.ds.NeedsWork(); got != tc.want {
				t.Fatalf("NeedsWork = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheckKind(t *testing.T) {
	t.Parallel()

	ok := []Dataset{
		{ID: "a", Kind: KindFile, OriginalFile: &FileInfo{Name: "a.csv"}},
		{ID: "b", Kind: KindREST, REST: &RESTConfig{}},
		{ID: "c", Kind: KindVirtual, Virtual: &VirtualConfig{Children: []string{"a"}}},
		{ID: "d", Kind: KindMetaOnly},
	}
	for _, ds := range ok {
		if err := ds.CheckKind(); err != nil {
			t.Fatalf("%s: unexpected error %v", ds.ID, err)
		}
	}

	bad := []Dataset{
		{ID: "e", Kind: "spreadsheet"},
		{ID: "f", Kind: KindFile},
		{ID: "g", Kind: KindREST},
		{ID: "h", Kind: KindMetaOnly, REST: &RESTConfig{}},
	}
	for _, ds := range bad {
		if err := ds.CheckKind(); err == nil {
			t.Fatalf("%s: expected error", ds.ID)
		}
	}
}

func TestWorkingSchemaFollowsDraft(t *testing.T) {
	t.Parallel()

	ds := &Dataset{Kind: KindFile, Schema: []Property{{Key: "a", Type: TypeString}}}
	ds.SetWorkingSchema([]Property{{Key: "b", Type: TypeString}})
	if ds.Schema[0].Key != "b" {
		t.Fatalf("main schema not updated: %+v", ds.Schema)
	}

	ds.Draft = &Draft{Status: StateDraftCreated}
	ds.SetWorkingSchema([]Property{{Key: "c", Type: TypeString}})
	if ds.Schema[0].Key != "b" || ds.Draft.Schema[0].Key != "c" {
		t.Fatalf("draft schema should be isolated: main=%+v draft=%+v", ds.Schema, ds.Draft.Schema)
	}
	if ds.WorkingSchema()[0].Key != "c" {
		t.Fatal("WorkingSchema should return draft schema")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	ds := &Dataset{ID: "x", Kind: KindFile, Schema: []Property{{Key: "a", Enum: []string{"1"}}}}
	cp := ds.Clone()
	cp.Schema[0].Enum[0] = "2"
	if ds.Schema[0].Enum[0] != "1" {
		t.Fatal("clone shares slices with original")
	}
}

func TestOverridden(t *testing.T) {
	t.Parallel()

	p := Property{Key: "a", Type: TypeString, Detected: &Detection{Type: TypeInteger}}
	if !p.Overridden() {
		t.Fatal("type differs from detection")
	}
	p.Type = TypeInteger
	if p.Overridden() {
		t.Fatal("type matches detection")
	}
	if (Property{Key: "b", Type: TypeString}).Overridden() {
		t.Fatal("no detection recorded means no override")
	}
}
