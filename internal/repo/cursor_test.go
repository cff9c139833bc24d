package repo

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	in := PageCursor{
		LastUpdatedAt: "2025-06-01T12:00:00.000000003Z",
		UpdatedAt:     "2025-06-01T12:00:00.000000003Z",
		CreatedAt:     "2025-05-30T08:00:00.000000000Z",
		CaseID:        "7f9c2ba4-e88f-5176-a1e5-0c3b2a1d9e00",
	}
	out := DecodeCursor(EncodeCursor(in))
	if out != in {
		t.Fatalf("round trip: got %+v, want %+v", out, in)
	}
}

func TestCursorMalformedMeansFirstPage(t *testing.T) {
	for _, v := range []string{"", "not base64 ///", "aGVsbG8", EncodeCursor(PageCursor{})} {
		if c := DecodeCursor(v); !c.Zero() {
			t.Errorf("DecodeCursor(%q) = %+v, want zero", v, c)
		}
	}
}
