package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/mirkobrombin/go-warden/v1/adapter/mocks"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/ids"
)

func fixedIDs(id string) ids.Generator {
	return ids.GeneratorFunc(func() (string, error) { return id, nil })
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctl := gomock.NewController(t)
	store := mocks.NewMockLockStore(ctl)
	p := New(store, nil, WithIDGenerator(fixedIDs("id-1")))
	defer p.Close()
	ctx := context.Background()
	boom := errors.New("backend down")

	store.EXPECT().Insert(gomock.Any(), "lock:r", "id-1", DefaultTTL).Return(false, boom)
	if h, err := p.TryAcquire(ctx, "r"); h != nil || !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got h %v err %v", h, err)
	}

	store.EXPECT().ReplaceIfEqual(gomock.Any(), "lock:r", "id-1", "id-1", time.Minute).Return(false, boom)
	if _, err := p.Renew(ctx, "r", "id-1", time.Minute); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}

	store.EXPECT().RemoveIfEqual(gomock.Any(), "lock:r", "id-1").Return(false, boom)
	if err := p.Release(ctx, "r", "id-1"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}

	store.EXPECT().Exists(gomock.Any(), "lock:r").Return(false, warperrors.ErrTimeout)
	if _, err := p.IsLocked(ctx, "r"); !errors.Is(err, warperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStoreErrorDuringWaitSurfaces(t *testing.T) {
	ctl := gomock.NewController(t)
	store := mocks.NewMockLockStore(ctl)
	p := New(store, nil, WithIDGenerator(fixedIDs("id")))
	defer p.Close()
	boom := errors.New("connection reset")

	gomock.InOrder(
		store.EXPECT().Insert(gomock.Any(), "lock:r", "id", gomock.Any()).Return(false, nil),
		store.EXPECT().Insert(gomock.Any(), "lock:r", "id", gomock.Any()).Return(false, boom),
	)
	h, err := p.TryAcquire(context.Background(), "r", WithAcquireTimeout(time.Second))
	if h != nil || !errors.Is(err, boom) {
		t.Fatalf("expected backend error while waiting, got h %v err %v", h, err)
	}
}

func TestCancelledStoreCallReportsCancellation(t *testing.T) {
	ctl := gomock.NewController(t)
	store := mocks.NewMockLockStore(ctl)
	p := New(store, nil, WithIDGenerator(fixedIDs("id")))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	store.EXPECT().Insert(gomock.Any(), "lock:r", "id", gomock.Any()).
		DoAndReturn(func(context.Context, string, string, time.Duration) (bool, error) {
			cancel()
			return false, errors.New("i/o on cancelled request")
		})
	if _, err := p.TryAcquire(ctx, "r"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIDGeneratorFailure(t *testing.T) {
	ctl := gomock.NewController(t)
	store := mocks.NewMockLockStore(ctl)
	boom := errors.New("entropy exhausted")
	p := New(store, nil, WithIDGenerator(ids.GeneratorFunc(func() (string, error) { return "", boom })))
	defer p.Close()
	if _, err := p.TryAcquire(context.Background(), "r"); !errors.Is(err, boom) {
		t.Fatalf("expected generator error, got %v", err)
	}
}
