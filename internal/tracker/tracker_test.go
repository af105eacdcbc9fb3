package tracker

import (
	"testing"
	"time"

	"ipwarden/internal/logentry"
	"ipwarden/internal/userstate"
)

func mkEntry(email, ip string, t time.Time) logentry.Entry {
	return logentry.Entry{
		Timestamp:       t,
		SourceIP:        ip,
		Protocol:        logentry.TCP,
		Destination:     "example.com",
		DestinationPort: 443,
		Action:          "DIRECT",
		Email:           email,
	}
}

func TestProcessEntry_CreatesAndUpdatesUser(t *testing.T) {
	tr := New(2, time.Hour)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var seen *userstate.State
	tr.ProcessEntry(mkEntry("a@x", "1.1.1.1", base), "node-1", func(u *userstate.State) { seen = u })
	if seen == nil || seen.Email != "a@x" {
		t.Fatalf("onRecorded not invoked with expected user")
	}
	if tr.TotalUsers() != 1 {
		t.Fatalf("TotalUsers = %d, want 1", tr.TotalUsers())
	}

	found := tr.Inspect("a@x", func(u *userstate.State) {
		if u.RequestCount != 1 {
			t.Errorf("RequestCount = %d, want 1", u.RequestCount)
		}
	})
	if !found {
		t.Fatalf("Inspect did not find a@x")
	}
}

func TestCleanupOldData_Idempotent(t *testing.T) {
	tr := New(2, 100*time.Second)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.ProcessEntry(mkEntry("old@x", "1.1.1.1", base), "n", nil)
	tr.ProcessEntry(mkEntry("new@x", "2.2.2.2", base.Add(200*time.Second)), "n", nil)

	removed1 := tr.CleanupOldData()
	removed2 := tr.CleanupOldData()
	if removed1 != 1 {
		t.Fatalf("first cleanup removed = %d, want 1", removed1)
	}
	if removed2 != 0 {
		t.Fatalf("second cleanup (idempotent) removed = %d, want 0", removed2)
	}
	if tr.TotalUsers() != 1 {
		t.Fatalf("TotalUsers after cleanup = %d, want 1", tr.TotalUsers())
	}
}

func TestSharedIPs(t *testing.T) {
	tr := New(10, time.Hour)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.ProcessEntry(mkEntry("a@x", "9.9.9.9", base), "n", nil)
	tr.ProcessEntry(mkEntry("b@x", "9.9.9.9", base.Add(time.Second)), "n", nil)
	tr.ProcessEntry(mkEntry("c@x", "8.8.8.8", base.Add(time.Second)), "n", nil)

	shared := tr.SharedIPs()
	emails, ok := shared["9.9.9.9"]
	if !ok {
		t.Fatalf("9.9.9.9 should be shared")
	}
	if len(emails) != 2 {
		t.Fatalf("len(emails) = %d, want 2", len(emails))
	}
	if _, ok := shared["8.8.8.8"]; ok {
		t.Fatalf("8.8.8.8 has only one user, should not be shared")
	}
}

func TestForEach(t *testing.T) {
	tr := New(2, time.Hour)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.ProcessEntry(mkEntry("a@x", "1.1.1.1", base), "n", nil)
	tr.ProcessEntry(mkEntry("b@x", "2.2.2.2", base), "n", nil)

	count := 0
	tr.ForEach(func(u *userstate.State) { count++ })
	if count != 2 {
		t.Fatalf("ForEach visited %d users, want 2", count)
	}
}
