package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/model"
	"github.com/sakif/linelink/internal/repository"
)

// fakeDocuments is an in-memory repository.UserDocuments with real etag
// semantics. Records are deep-copied on the way in and out, as the sqlite
// store does by round-tripping JSON.
type fakeDocuments struct {
	mu      sync.Mutex
	docs    map[string]*model.UserRecord
	version int

	// beforeReplace runs (outside the lock) before every Replace, letting a
	// test slip in a competing write.
	beforeReplace func()
	queryErr      error
}

var _ repository.UserDocuments = (*fakeDocuments)(nil)

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: make(map[string]*model.UserRecord)}
}

func (f *fakeDocuments) nextETag() string {
	f.version++
	return fmt.Sprintf("etag-%d", f.version)
}

func cloneRecord(r *model.UserRecord) *model.UserRecord {
	b, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	var out model.UserRecord
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return &out
}

func (f *fakeDocuments) Create(ctx context.Context, r *model.UserRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := cloneRecord(r)
	stored.ID = fmt.Sprintf("user-%d", len(f.docs)+1)
	stored.ETag = f.nextETag()
	stored.Timestamp = int64(f.version)
	f.docs[stored.ID] = stored

	r.ID, r.ETag, r.Timestamp = stored.ID, stored.ETag, stored.Timestamp
	return stored.ID, nil
}

func (f *fakeDocuments) Get(ctx context.Context, id string) (*model.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.docs[id]
	if !ok {
		return nil, apperror.NotFound("document", id)
	}
	return cloneRecord(r), nil
}

func (f *fakeDocuments) Query(ctx context.Context, match repository.Predicate) ([]*model.UserRecord, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []*model.UserRecord
	for _, id := range ids {
		if match(f.docs[id]) {
			out = append(out, cloneRecord(f.docs[id]))
		}
	}
	return out, nil
}

func (f *fakeDocuments) Replace(ctx context.Context, r *model.UserRecord, expectedETag string) (*model.UserRecord, error) {
	if f.beforeReplace != nil {
		hook := f.beforeReplace
		f.beforeReplace = nil
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok := f.docs[r.ID]
	if !ok {
		return nil, apperror.NotFound("document", r.ID)
	}
	if current.ETag != expectedETag {
		return nil, apperror.ConcurrencyFailure()
	}

	stored := cloneRecord(r)
	stored.ETag = f.nextETag()
	stored.Timestamp = int64(f.version)
	f.docs[r.ID] = stored
	return cloneRecord(stored), nil
}

func (f *fakeDocuments) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.docs[id]; !ok {
		return false, nil
	}
	delete(f.docs, id)
	return true, nil
}

func (f *fakeDocuments) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.docs)), nil
}

// bump rewrites the stored document so any etag read before is stale.
func (f *fakeDocuments) bump(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id].ETag = f.nextETag()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUserStore(t *testing.T) (*UserStore, *fakeDocuments) {
	t.Helper()
	docs := newFakeDocuments()
	return NewUserStore(docs, testLogger()), docs
}

// createTestUser stores a user with one GitHub login.
func createTestUser(t *testing.T, store *UserStore, email string) *model.User {
	t.Helper()
	u := &model.User{
		Email:    email,
		UserName: email,
		Logins: []model.LoginInfo{{
			LoginProvider:       "github",
			ProviderKey:         "gh-" + email,
			ProviderDisplayName: "GitHub",
		}},
	}
	if err := store.Create(context.Background(), u); err != nil {
		t.Fatalf("Create(%s) error = %v", email, err)
	}
	return u
}
