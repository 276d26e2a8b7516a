package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Micros
		wantErr error
	}{
		{"integer", "25", 25_000_000, nil},
		{"fraction", "0.1", 100_000, nil},
		{"six places", "100.000001", 100_000_001, nil},
		{"rounds half up", "0.0000005", 1, nil},
		{"padded", " 12.5 ", 12_500_000, nil},
		{"zero", "0", 0, ErrAmountNotPositive},
		{"negative", "-1", 0, ErrAmountNotPositive},
		{"rounds to zero", "0.0000001", 0, ErrAmountNotPositive},
		{"too large", "1000000000001", 0, ErrAmountTooLarge},
		{"empty", "", 0, ErrAmountMalformed},
		{"garbage", "1e", 0, ErrAmountMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMicros_DecimalBoundary(t *testing.T) {
	a, err := ParseAmount("0.1")
	require.NoError(t, err)
	b, err := ParseAmount("0.2")
	require.NoError(t, err)
	limit, err := ParseAmount("0.3")
	require.NoError(t, err)

	assert.Equal(t, limit, a+b)
	assert.Equal(t, "0.3", (a + b).String())
}

func TestMicros_JSON(t *testing.T) {
	out, err := json.Marshal(Micros(12_500_000))
	require.NoError(t, err)
	assert.Equal(t, `"12.5"`, string(out))

	var fromString, fromNumber Micros
	require.NoError(t, json.Unmarshal([]byte(`"0.000001"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`7`), &fromNumber))
	assert.Equal(t, Micros(1), fromString)
	assert.Equal(t, Micros(7_000_000), fromNumber)

	var bad Micros
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
}

func TestMicrosPtr(t *testing.T) {
	none, err := MicrosPtr("")
	require.NoError(t, err)
	assert.Nil(t, none)

	v, err := MicrosPtr("100")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, Micros(100_000_000), *v)

	_, err = MicrosPtr("-5")
	assert.Error(t, err)
}

func TestNormalizeToken(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"usdc", "USDC", false},
		{" Pol ", "POL", false},
		{"matic", "POL", false},
		{"usdc.e", "USDC.E", false},
		{"", "", true},
		{"US DC", "", true},
		{"$$", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeToken(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", got)

	for _, bad := range []string{"", "abcdef0123456789abcdef0123456789abcdef01", "0x1234", "0xZZcdef0123456789abcdef0123456789abcdef01"} {
		_, err := NormalizeAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OperationStatus
		want     bool
	}{
		{OperationStatusPending, OperationStatusBroadcasted, true},
		{OperationStatusPending, OperationStatusSubmitted, true},
		{OperationStatusPending, OperationStatusFailed, true},
		{OperationStatusPending, OperationStatusConfirmed, false},
		{OperationStatusBroadcasted, OperationStatusConfirmed, true},
		{OperationStatusBroadcasted, OperationStatusFailed, true},
		{OperationStatusBroadcasted, OperationStatusPending, false},
		{OperationStatusSubmitted, OperationStatusFilled, true},
		{OperationStatusConfirmed, OperationStatusFailed, false},
		{OperationStatusFailed, OperationStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestOperation_IsReplayable(t *testing.T) {
	tests := []struct {
		status     OperationStatus
		replayable bool
		terminal   bool
	}{
		{OperationStatusPending, false, false},
		{OperationStatusFailed, false, true},
		{OperationStatusBroadcasted, true, false},
		{OperationStatusSubmitted, true, false},
		{OperationStatusConfirmed, true, true},
		{OperationStatusFilled, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			op := &Operation{Status: tt.status}
			assert.Equal(t, tt.replayable, op.IsReplayable())
			assert.Equal(t, tt.terminal, op.IsTerminal())
		})
	}
}

func TestValidateIdempotencyKey(t *testing.T) {
	assert.NoError(t, ValidateIdempotencyKey("agent-run-42:send#1"))
	assert.ErrorIs(t, ValidateIdempotencyKey(""), ErrIdempotencyKeyEmpty)
	assert.ErrorIs(t, ValidateIdempotencyKey(string(make([]byte, 129))), ErrIdempotencyKeyTooLong)
	assert.ErrorIs(t, ValidateIdempotencyKey("has space"), ErrIdempotencyKeyCharset)
	assert.ErrorIs(t, ValidateIdempotencyKey("tab\tkey"), ErrIdempotencyKeyCharset)
	assert.ErrorIs(t, ValidateIdempotencyKey("ключ"), ErrIdempotencyKeyCharset)
}

func TestIdempotencyKey_IsStale(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	old := &IdempotencyKey{Status: IdempotencyStatusReserved, CreatedAt: now.Add(-49 * time.Hour)}
	young := &IdempotencyKey{Status: IdempotencyStatusReserved, CreatedAt: now.Add(-47 * time.Hour)}
	done := &IdempotencyKey{Status: IdempotencyStatusCompleted, CreatedAt: now.Add(-100 * time.Hour)}

	assert.True(t, old.IsStale(now, 48*time.Hour))
	assert.False(t, young.IsStale(now, 48*time.Hour))
	assert.False(t, done.IsStale(now, 48*time.Hour))
}

func TestBuildScope(t *testing.T) {
	assert.Equal(t, "send:w_1", BuildScope(OperationKindSend, "w_1"))
	assert.Equal(t, "created", ReserveCreated.String())
	assert.Equal(t, "reclaimed", ReserveReclaimed.String())
}

func TestComputeEntryHash_Deterministic(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	at := time.Date(2025, 3, 10, 12, 0, 0, 123456789, time.UTC)

	h1 := ComputeEntryHash(GenesisHash, id, "send", `{"amount":"1"}`, AuditDecisionOK, at)
	h2 := ComputeEntryHash(GenesisHash, id, "send", `{"amount":"1"}`, AuditDecisionOK, at.Truncate(time.Microsecond))
	h3 := ComputeEntryHash(GenesisHash, id, "send", `{"amount":"2"}`, AuditDecisionOK, at)

	assert.Len(t, h1, 64)
	assert.Equal(t, h1, h2, "hash must only depend on microsecond precision")
	assert.NotEqual(t, h1, h3)
	assert.Len(t, GenesisHash, 64)
}

func TestAuditEntry_ComputeHash(t *testing.T) {
	e := &AuditEntry{
		ID:        uuid.New(),
		Action:    AuditActionPolicySet,
		Request:   `{}`,
		Decision:  AuditDecisionOK,
		PrevHash:  GenesisHash,
		CreatedAt: time.Now(),
	}
	e.EntryHash = e.ComputeHash()

	assert.Equal(t, e.EntryHash, ComputeEntryHash(e.PrevHash, e.ID, e.Action, e.Request, e.Decision, e.CreatedAt))
	assert.Equal(t, "2025-03-10T12:00:00.123456Z", AuditTimestamp(time.Date(2025, 3, 10, 12, 0, 0, 123456999, time.UTC)))
}

func TestUTCDayStart(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	at := time.Date(2025, 3, 11, 3, 0, 0, 0, loc)

	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), UTCDayStart(at))
}
