package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

type fakeBackupStore struct {
	mu        sync.Mutex
	backupErr error
	meta      map[string]string
}

func (f *fakeBackupStore) CreateBackup(ctx context.Context, app, platform string) (*store.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backupErr != nil {
		return nil, f.backupErr
	}
	return &store.Backup{
		Version: "1",
		Data: &store.BackupData{
			Records: []types.LocalRecord{{LocalID: "loc-1", Kind: types.KindVehicle}},
			Queue:   []types.QueueItem{},
		},
	}, nil
}

func (f *fakeBackupStore) SetMeta(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		f.meta = make(map[string]string)
	}
	f.meta[key] = value
	return nil
}

func (f *fakeBackupStore) metaValue(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta[key]
}

type recordingUploader struct {
	mu       sync.Mutex
	uploads  int
	deviceID string
	data     []byte
	err      error
}

func (u *recordingUploader) Upload(ctx context.Context, deviceID string, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.uploads++
	u.deviceID = deviceID
	u.data = data
	return nil
}

func (u *recordingUploader) PresignedURL(ctx context.Context, deviceID string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("not used")
}

func TestBackupWorker_UploadsAndStamps(t *testing.T) {
	st := &fakeBackupStore{}
	up := &recordingUploader{}
	w := NewBackupWorker(st, up, "device-1", "dutysync", "server", time.Hour)

	w.backup(context.Background())

	if up.uploads != 1 || up.deviceID != "device-1" {
		t.Fatalf("uploads=%d device=%q", up.uploads, up.deviceID)
	}
	if len(up.data) == 0 {
		t.Error("empty backup document uploaded")
	}

	stamp := st.metaValue(store.MetaLastBackupAt)
	if stamp == "" {
		t.Fatal("backup timestamp not stamped")
	}
	if _, err := time.Parse(time.RFC3339Nano, stamp); err != nil {
		t.Errorf("stamp not parseable: %v", err)
	}
}

func TestBackupWorker_UploadFailureSkipsStamp(t *testing.T) {
	st := &fakeBackupStore{}
	up := &recordingUploader{err: errors.New("endpoint down")}
	w := NewBackupWorker(st, up, "device-1", "dutysync", "server", time.Hour)

	w.backup(context.Background())

	if st.metaValue(store.MetaLastBackupAt) != "" {
		t.Error("timestamp stamped despite failed upload")
	}
}

func TestBackupWorker_StoreFailureSkipsUpload(t *testing.T) {
	st := &fakeBackupStore{backupErr: errors.New("disk full")}
	up := &recordingUploader{}
	w := NewBackupWorker(st, up, "device-1", "dutysync", "server", time.Hour)

	w.backup(context.Background())

	if up.uploads != 0 {
		t.Error("upload attempted without a backup document")
	}
}

func TestBackupWorker_RunStopsOnCancel(t *testing.T) {
	st := &fakeBackupStore{}
	w := NewBackupWorker(st, &recordingUploader{}, "device-1", "dutysync", "server", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
