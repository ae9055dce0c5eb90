package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

// FuzzJCS_FieldOrderIndependent checks that a link signature payload
// canonicalizes identically whether it arrives as a struct or as a map
// decoded off the wire.
func FuzzJCS_FieldOrderIndependent(f *testing.F) {
	f.Add("3f6c1a", "stu-42", "buddy-challenge")
	f.Add("", "", "")
	f.Add("<b>&</b>", "parent x", "results-rally")
	f.Add("こんにちは", "🚀", "tutor-spotlight")

	type payload struct {
		LoopID string `json:"loopId"`
		UserID string `json:"userId"`
		LinkID string `json:"linkId"`
	}

	f.Fuzz(func(t *testing.T, linkID, userID, loopID string) {
		fromStruct, err := JCS(payload{LoopID: loopID, UserID: userID, LinkID: linkID})
		if err != nil {
			t.Skip("not representable as JSON")
		}

		raw, err := json.Marshal(map[string]string{"userId": userID, "linkId": linkID, "loopId": loopID})
		if err != nil {
			t.Skip("not representable as JSON")
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("round trip: %v", err)
		}
		fromMap, err := JCS(decoded)
		if err != nil {
			t.Fatalf("JCS(map): %v", err)
		}

		if !bytes.Equal(fromStruct, fromMap) {
			t.Errorf("canonical forms differ:\n  struct: %s\n  map:    %s", fromStruct, fromMap)
		}
		if !bytes.HasPrefix(fromStruct, []byte(`{"linkId":`)) {
			t.Errorf("keys not sorted: %s", fromStruct)
		}
	})
}
