package idempotency

import (
	"context"
	"testing"

	"poolvault/pkg/domain"
)

type fakeStore struct {
	records map[string][]byte
	status  map[string]int
}

func key(account domain.Account, k, endpoint string) string {
	return string(account) + "|" + k + "|" + endpoint
}

func (f *fakeStore) GetIdempotencyRecord(_ context.Context, account domain.Account, k, endpoint string) (int, []byte, bool, error) {
	body, ok := f.records[key(account, k, endpoint)]
	if !ok {
		return 0, nil, false, nil
	}
	return f.status[key(account, k, endpoint)], body, true, nil
}

func (f *fakeStore) SaveIdempotencyRecord(_ context.Context, account domain.Account, k, endpoint string, status int, body []byte) error {
	f.records[key(account, k, endpoint)] = body
	f.status[key(account, k, endpoint)] = status
	return nil
}

func TestReplayWithoutKeyIsNoop(t *testing.T) {
	st := &fakeStore{records: map[string][]byte{}, status: map[string]int{}}
	_, _, found, err := Replay(context.Background(), st, "acct", "", "deposit")
	if err != nil || found {
		t.Fatalf("expected miss without key, found=%v err=%v", found, err)
	}
	if err := Save(context.Background(), st, "acct", "", "deposit", 200, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if len(st.records) != 0 {
		t.Fatal("expected nothing saved without key")
	}
}

func TestSaveThenReplay(t *testing.T) {
	st := &fakeStore{records: map[string][]byte{}, status: map[string]int{}}
	if err := Save(context.Background(), st, "acct", "k1", "deposit", 201, []byte(`{"shares":"5"}`)); err != nil {
		t.Fatal(err)
	}
	status, body, found, err := Replay(context.Background(), st, "acct", "k1", "deposit")
	if err != nil || !found {
		t.Fatalf("expected replay hit, found=%v err=%v", found, err)
	}
	if status != 201 || string(body) != `{"shares":"5"}` {
		t.Fatalf("unexpected replay: status=%d body=%s", status, body)
	}

	// A different endpoint under the same key is a distinct record.
	if _, _, found, _ := Replay(context.Background(), st, "acct", "k1", "withdraw"); found {
		t.Fatal("expected miss for different endpoint")
	}
}
