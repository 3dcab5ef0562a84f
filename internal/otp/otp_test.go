package otp

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MGallo-Code/warden/internal/kv"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingSender captures the last message per recipient.
type recordingSender struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (s *recordingSender) Send(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.sent == nil {
		s.sent = make(map[string]string)
	}
	s.sent[to] = body
	return nil
}

var codeInBody = regexp.MustCompile(`\b\d{6}\b`)

func (s *recordingSender) codeFor(t *testing.T, phone string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	code := codeInBody.FindString(s.sent[phone])
	require.NotEmpty(t, code, "no code sent to %s", phone)
	return code
}

const phone = "+2348031234567"

func newTestService(t *testing.T) (*Service, *recordingSender, *fakeClock, *kv.MemoryStore[Record]) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore[Record](clock.Now)
	sender := &recordingSender{}
	return New(store, sender, Options{Now: clock.Now}), sender, clock, store
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// --- Send ---

func TestSend_StoresCodeAndDelivers(t *testing.T) {
	svc, sender, _, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.Send(ctx, "08031234567")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonSent, res.Reason)

	code := sender.codeFor(t, phone)
	assert.Len(t, code, CodeLength)

	rec, found, err := store.Get(ctx, phone)
	require.NoError(t, err)
	require.True(t, found, "record is keyed by normalized phone")
	assert.Equal(t, code, rec.Code)
	assert.Zero(t, rec.Attempts)
}

func TestSend_InvalidPhoneGeneratesNothing(t *testing.T) {
	svc, sender, _, store := newTestService(t)

	res, err := svc.Send(context.Background(), "+12")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInvalidPhone, res.Reason)
	assert.Empty(t, sender.sent)
	assert.Zero(t, store.Len())
}

func TestSend_DeliveryFailureRemovesCode(t *testing.T) {
	svc, sender, _, store := newTestService(t)
	sender.err = errors.New("carrier down")

	res, err := svc.Send(context.Background(), phone)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonDeliveryFailed, res.Reason)
	assert.Zero(t, store.Len(), "no verifiable-but-unsent code persists")
}

func TestSend_SupersedesPreviousCode(t *testing.T) {
	svc, sender, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, phone)
	require.NoError(t, err)
	first := sender.codeFor(t, phone)

	var second string
	for range 20 {
		_, err = svc.Send(ctx, phone)
		require.NoError(t, err)
		if second = sender.codeFor(t, phone); second != first {
			break
		}
	}
	require.NotEqual(t, first, second)

	res, err := svc.Verify(ctx, phone, first)
	require.NoError(t, err)
	assert.Equal(t, ReasonMismatch, res.Reason)
}

func TestSend_StrictModeRejectsBareNumbers(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := New(kv.NewMemoryStore[Record](clock.Now), &recordingSender{}, Options{RequireCountryCode: true, Now: clock.Now})

	res, err := svc.Send(context.Background(), "08031234567")
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidPhone, res.Reason)

	res, err = svc.Send(context.Background(), "+44 7911 123456")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// --- Verify ---

func TestVerify_Success(t *testing.T) {
	svc, sender, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Send(ctx, phone)
	require.NoError(t, err)

	res, err := svc.Verify(ctx, "0803 123 4567", " "+sender.codeFor(t, phone)+" ")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Phone number verified successfully.", res.Message)

	// Consumed: same code again finds nothing.
	res, err = svc.Verify(ctx, phone, sender.codeFor(t, phone))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestVerify_NoCode(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	res, err := svc.Verify(context.Background(), phone, "123456")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.Equal(t, "No verification code found. Please request a new code.", res.Message)
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	svc, sender, clock, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Send(ctx, phone)
	require.NoError(t, err)
	code := sender.codeFor(t, phone)

	clock.Advance(CodeTTL - time.Second)
	res, err := svc.Verify(ctx, phone, wrongCode(code))
	require.NoError(t, err)
	assert.Equal(t, ReasonMismatch, res.Reason)
	assert.Equal(t, "Invalid verification code. 2 attempts remaining.", res.Message)

	clock.Advance(time.Second)
	res, err = svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.False(t, res.Success, "correct code after expiry still fails")
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.Zero(t, store.Len(), "expired record is deleted")
}

func TestVerify_FourthAttemptIsRejected(t *testing.T) {
	svc, sender, _, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Send(ctx, phone)
	require.NoError(t, err)
	code := sender.codeFor(t, phone)

	wantRemaining := []string{
		"Invalid verification code. 2 attempts remaining.",
		"Invalid verification code. 1 attempts remaining.",
		"Invalid verification code. 0 attempts remaining.",
	}
	for _, want := range wantRemaining {
		res, err := svc.Verify(ctx, phone, wrongCode(code))
		require.NoError(t, err)
		assert.Equal(t, want, res.Message)
	}

	res, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonTooManyTries, res.Reason)
	assert.Zero(t, store.Len())
}

func TestVerify_ConcurrentAttemptsAreCounted(t *testing.T) {
	svc, sender, _, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Send(ctx, phone)
	require.NoError(t, err)
	wrong := wrongCode(sender.codeFor(t, phone))

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Verify(ctx, phone, wrong)
		}()
	}
	wg.Wait()

	rec, found, err := store.Get(ctx, phone)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, rec.Attempts)
}

func TestVerify_RedisBackedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sender := &recordingSender{}
	svc := New(kv.NewRedisStore[Record](rdb, "otp"), sender, Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, phone)
	require.NoError(t, err)
	pending, err := svc.HasPending(ctx, phone)
	require.NoError(t, err)
	assert.True(t, pending)

	res, err := svc.Verify(ctx, phone, sender.codeFor(t, phone))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, mr.Exists("otp:"+phone))
}

// --- Cancel ---

func TestCancel_WithdrawsCode(t *testing.T) {
	svc, sender, _, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "08031234567")
	require.NoError(t, err)
	code := sender.codeFor(t, phone)

	require.NoError(t, svc.Cancel(ctx, "08031234567"))
	assert.Zero(t, store.Len())

	res, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestCancel_NothingOutstanding(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	assert.NoError(t, svc.Cancel(context.Background(), phone))
	assert.NoError(t, svc.Cancel(context.Background(), "not a phone"))
}

// --- HasPending ---

func TestHasPending(t *testing.T) {
	svc, _, clock, _ := newTestService(t)
	ctx := context.Background()

	pending, err := svc.HasPending(ctx, phone)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = svc.Send(ctx, phone)
	require.NoError(t, err)
	pending, err = svc.HasPending(ctx, phone)
	require.NoError(t, err)
	assert.True(t, pending)

	clock.Advance(CodeTTL)
	pending, err = svc.HasPending(ctx, phone)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 50 {
		code, err := generateCode()
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}
