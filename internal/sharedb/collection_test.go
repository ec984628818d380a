package sharedb

import "testing"

func TestParseCollection(t *testing.T) {
	cases := []struct {
		name       string
		collection string
		wantType   DocType
		wantTable  string
	}{
		{"record", "rec_tbl_ABC", DocRecord, "tbl_ABC"},
		{"field", "field_tbl_ABC", DocField, "tbl_ABC"},
		{"view", "view_tbl_ABC", DocView, "tbl_ABC"},
		{"table", "table_tbl_ABC", DocTable, "tbl_ABC"},
		{"unknown prefix defaults to record", "weird_tbl_ABC", DocRecord, "tbl_ABC"},
		{"table id with multiple underscores", "rec_tbl_ABC_123", DocRecord, "tbl_ABC_123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseCollection(tc.collection)
			if got.Type != tc.wantType {
				t.Errorf("type: expected %q, got %q", tc.wantType, got.Type)
			}
			if got.TableID != tc.wantTable {
				t.Errorf("table id: expected %q, got %q", tc.wantTable, got.TableID)
			}
		})
	}
}

func TestFormatCollection(t *testing.T) {
	cases := []struct {
		docType DocType
		tableID string
		want    string
	}{
		{DocRecord, "tbl_ABC", "rec_tbl_ABC"},
		{DocField, "tbl_ABC", "field_tbl_ABC"},
		{DocView, "tbl_ABC", "view_tbl_ABC"},
		{DocTable, "tbl_ABC", "table_tbl_ABC"},
	}

	for _, tc := range cases {
		got := FormatCollection(tc.docType, tc.tableID)
		if got != tc.want {
			t.Errorf("FormatCollection(%q, %q): expected %q, got %q", tc.docType, tc.tableID, tc.want, got)
		}
	}
}

func TestFormatCollection_InverseOfParseCollection(t *testing.T) {
	for _, collection := range []string{"rec_tbl_ABC", "field_tbl_ABC", "view_tbl_ABC", "table_tbl_ABC"} {
		parsed := ParseCollection(collection)
		if got := FormatCollection(parsed.Type, parsed.TableID); got != collection {
			t.Errorf("round trip %q -> %q", collection, got)
		}
	}
}

func TestChannel(t *testing.T) {
	got := Channel("rec_tbl_ABC", "row1")
	want := "rec_tbl_ABC.row1"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
