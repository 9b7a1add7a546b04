package provider

import (
	"context"
	"testing"
)

func TestDemoBackend_ListRespectsMaxResultsAndIsRead(t *testing.T) {
	b := NewDemoBackend()
	b.Seed("acct-1", "demo-mail", 5)

	isRead := true
	out, err := b.List(context.Background(), Credentials{}, "acct-1", ListParams{MaxResults: 2, IsRead: &isRead})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) > 2 {
		t.Errorf("len(out) = %d, want at most 2", len(out))
	}
	for _, r := range out {
		if !r.IsRead {
			t.Errorf("record %q is unread, want only read records", r.ID)
		}
	}
}

func TestDemoBackend_ReadUnknownIDFails(t *testing.T) {
	b := NewDemoBackend()
	b.Seed("acct-1", "demo-mail", 1)

	if _, err := b.Read(context.Background(), Credentials{}, "acct-1", "does-not-exist"); err == nil {
		t.Error("Read should fail for a provider entity id that was never seeded")
	}
}

func TestDemoBackend_SendPrependsNewRecordReadableAfterward(t *testing.T) {
	b := NewDemoBackend()
	b.Seed("acct-1", "demo-mail", 0)

	result, err := b.Send(context.Background(), Credentials{}, "acct-1", SendParams{
		To: []string{"dest@example.com"}, Subject: "hi", Body: "hello there",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.MessageID == "" {
		t.Fatal("Send should return a non-empty message id")
	}

	got, err := b.Read(context.Background(), Credentials{}, "acct-1", result.MessageID)
	if err != nil {
		t.Fatalf("Read after Send: %v", err)
	}
	if got.Subject != "hi" || got.Body != "hello there" {
		t.Errorf("Read() = %+v, want the just-sent message", got)
	}
}

func TestDemoBackend_SearchFiltersBySubjectAndFrom(t *testing.T) {
	b := NewDemoBackend()
	b.Seed("acct-1", "demo-mail", 3)

	out, err := b.Search(context.Background(), Credentials{}, "acct-1", SearchParams{Subject: "Demo message 2"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out) != 1 || out[0].Subject != "Demo message 2" {
		t.Errorf("Search() = %+v, want exactly the one matching message", out)
	}

	none, err := b.Search(context.Background(), Credentials{}, "acct-1", SearchParams{From: "nobody-matches"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Search() = %+v, want no matches", none)
	}
}

func TestDemoBackend_SearchOrdersNewestFirst(t *testing.T) {
	b := NewDemoBackend()
	b.Seed("acct-1", "demo-mail", 3)

	out, err := b.Search(context.Background(), Credentials{}, "acct-1", SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1].TimestampMs < out[i].TimestampMs {
			t.Errorf("Search() results not sorted newest-first: %+v", out)
			break
		}
	}
}
