package protocol

import (
	"testing"

	"pgregory.net/rapid"
)

// fieldGen produces non-empty strings free of the wire delimiters
func fieldGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z0-9 _.,!?'-]{1,40}`)
}

// TestRequestRoundTrip checks decode(encode(req)) == req for delimiter-free fields
func TestRequestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fields := rapid.SliceOfN(fieldGen(), 0, 6).Draw(t, "fields")
		original := Request{
			Authorized: rapid.Bool().Draw(t, "authorized"),
			Command:    rapid.StringMatching(`[A-Za-z_]{1,20}`).Draw(t, "command"),
			Content:    JoinFields(fields...),
		}

		decoded, err := DecodeRequest(EncodeRequest(original))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != original {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, original)
		}

		split := SplitFields(decoded.Content)
		if len(split) != len(fields) {
			t.Fatalf("field count mismatch: got %d, want %d", len(split), len(fields))
		}
		for i := range fields {
			if split[i] != fields[i] {
				t.Fatalf("field %d mismatch: got %q, want %q", i, split[i], fields[i])
			}
		}
	})
}

// TestResponseRoundTrip checks the response codec for delimiter-free content
func TestResponseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := Response{
			Status:  rapid.SampledFrom([]int{StatusOK, StatusCreated, StatusBadRequest, StatusUnauthorized, StatusConflict, StatusInternalError}).Draw(t, "status"),
			Content: JoinFields(rapid.SliceOfN(fieldGen(), 0, 10).Draw(t, "fields")...),
		}

		decoded, err := DecodeResponse(EncodeResponse(original))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != original {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, original)
		}
	})
}

// TestCommandRoundTrip checks that every built request parses back to the same command
func TestCommandRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		user := fieldGen().Draw(t, "user")
		peer := fieldGen().Draw(t, "peer")
		password := rapid.StringMatching(`[a-z0-9]{6,20}`).Draw(t, "password")
		page := rapid.IntRange(1, 1000).Draw(t, "page")

		commands := []Command{
			Login{Username: user, Password: password},
			Register{Username: user, FirstName: peer, LastName: peer, Password: password, ConfirmPassword: password},
			Quit{},
			Help{},
			Logout{},
			ViewUsers{Caller: user, Page: page},
			ViewMessages{Caller: user, Peer: peer, Page: page},
			GetUsersCount{Caller: user},
			GetMessagesCount{Caller: user, Peer: peer},
			InsertMessage{
				Caller:  user,
				Peer:    peer,
				Body:    fieldGen().Draw(t, "body"),
				ReplyID: rapid.Int64Range(-1, 1<<40).Draw(t, "replyID"),
			},
			UpdateMessageRead{IDs: rapid.SliceOfN(rapid.Int64Range(1, 1<<40), 1, 10).Draw(t, "ids")},
		}

		cmd := rapid.SampledFrom(commands).Draw(t, "command")
		wire := EncodeRequest(NewRequest(cmd, rapid.Bool().Draw(t, "authorized")))

		req, err := DecodeRequest(wire)
		if err != nil {
			t.Fatalf("decode request failed: %v", err)
		}
		parsed, err := ParseCommand(req)
		if err != nil {
			t.Fatalf("parse %s failed: %v", cmd.Name(), err)
		}
		if parsed.Name() != cmd.Name() || parsed.Content() != cmd.Content() {
			t.Fatalf("command mismatch: got %#v, want %#v", parsed, cmd)
		}
	})
}

// TestMessageRowsRoundTrip checks row encoding inside response content
func TestMessageRowsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 10).Draw(t, "n")
		rows := make([]MessageRow, n)
		for i := range rows {
			rows[i] = MessageRow{
				ID:      rapid.Int64Range(1, 1<<40).Draw(t, "id"),
				Sender:  fieldGen().Draw(t, "sender"),
				Body:    fieldGen().Draw(t, "body"),
				Read:    rapid.Bool().Draw(t, "read"),
				ReplyID: rapid.Int64Range(-1, 1<<40).Draw(t, "replyID"),
			}
		}

		decoded, err := DecodeMessageRows(EncodeMessageRows(rows))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(decoded) != len(rows) {
			t.Fatalf("row count mismatch: got %d, want %d", len(decoded), len(rows))
		}
		for i := range rows {
			if decoded[i] != rows[i] {
				t.Fatalf("row %d mismatch: got %+v, want %+v", i, decoded[i], rows[i])
			}
		}
	})
}

// TestDecodeNeverPanics feeds arbitrary bytes to the decoders
func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "data")

		if req, err := DecodeRequest(data); err == nil {
			_, _ = ParseCommand(req)
		}
		if resp, err := DecodeResponse(data); err != nil && resp.Status != StatusInternalError {
			t.Fatalf("failed decode returned status %d", resp.Status)
		}
	})
}
