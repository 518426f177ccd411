package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/flightlink/internal/history"
	"github.com/iudanet/flightlink/internal/models"
)

// createTestStorage создает in-memory хранилище для тестов
func createTestStorage(t *testing.T) *Storage {
	t.Helper()

	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func createTestLeg(id, departure, arrival string, out, archivedAt time.Time) *models.CompletedLeg {
	return &models.CompletedLeg{
		ID:           id,
		FlightNumber: "UA123",
		Departure:    departure,
		Arrival:      arrival,
		Out:          out,
		Off:          out.Add(15 * time.Minute),
		On:           out.Add(2 * time.Hour),
		In:           out.Add(2*time.Hour + 10*time.Minute),
		ArchivedAt:   archivedAt,
	}
}

// insertRaw пишет запись напрямую, минуя identity-правила Archive
func insertRaw(t *testing.T, store *Storage, leg *models.CompletedLeg) {
	t.Helper()

	_, err := store.db.Exec(
		`INSERT INTO completed_legs
		 (id, flight_number, departure, arrival, out_time, off_time, on_time, in_time, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		leg.ID, leg.FlightNumber, leg.Departure, leg.Arrival,
		leg.Out.Unix(), leg.Off.Unix(), leg.On.Unix(), leg.In.Unix(), leg.ArchivedAt.Unix())
	require.NoError(t, err)
}

func TestStorage_Archive_IdempotentByStableID(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	out := time.Date(2023, 11, 16, 14, 0, 0, 0, time.UTC)
	leg := createTestLeg("leg-1", "KSFO", "KLAX", out, out.Add(3*time.Hour))

	archived, err := store.Archive(ctx, leg)
	require.NoError(t, err)
	assert.True(t, archived)

	archived, err = store.Archive(ctx, leg)
	require.NoError(t, err)
	assert.False(t, archived)

	legs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, legs, 1)
}

func TestStorage_Archive_TupleMatchReplacesLegacy(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	out := time.Date(2023, 11, 16, 14, 0, 0, 0, time.UTC)

	legacy := createTestLeg("legacy-uuid", "KSFO", "KLAX", out, out.Add(3*time.Hour))
	_, err := store.Archive(ctx, legacy)
	require.NoError(t, err)

	healed := createTestLeg("leg-1", "KSFO", "KLAX", out, out.Add(4*time.Hour))
	archived, err := store.Archive(ctx, healed)
	require.NoError(t, err)
	assert.True(t, archived)

	legs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, "leg-1", legs[0].ID)

	_, err = store.Get(ctx, "legacy-uuid")
	assert.ErrorIs(t, err, history.ErrLegNotFound)
}

func TestStorage_Get_RoundTripsInstants(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	out := time.Date(2023, 11, 16, 14, 0, 0, 0, time.UTC)
	leg := createTestLeg("leg-1", "KSFO", "KLAX", out, out.Add(3*time.Hour))

	_, err := store.Archive(ctx, leg)
	require.NoError(t, err)

	got, err := store.Get(ctx, "leg-1")
	require.NoError(t, err)

	// Абсолютные моменты переживают запись и чтение без сдвига
	assert.True(t, leg.Out.Equal(got.Out))
	assert.True(t, leg.Off.Equal(got.Off))
	assert.True(t, leg.On.Equal(got.On))
	assert.True(t, leg.In.Equal(got.In))
	assert.Equal(t, "UA123", got.FlightNumber)
}

func TestStorage_DedupeOnce(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	out := time.Date(2023, 11, 16, 14, 0, 0, 0, time.UTC)

	insertRaw(t, store, createTestLeg("dup-a", "KSFO", "KLAX", out, out.Add(3*time.Hour)))
	insertRaw(t, store, createTestLeg("dup-b", "KSFO", "KLAX", out, out.Add(5*time.Hour)))
	insertRaw(t, store, createTestLeg("leg-other", "KLAX", "KSAN", out.Add(6*time.Hour), out.Add(9*time.Hour)))

	removed, err := store.DedupeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, "dup-b")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "dup-a")
	assert.ErrorIs(t, err, history.ErrLegNotFound)

	removed, err = store.DedupeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestStorage_ClosedStoreIsGuarded(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Close())

	out := time.Date(2023, 11, 16, 14, 0, 0, 0, time.UTC)
	_, err := store.Archive(ctx, createTestLeg("leg-1", "KSFO", "KLAX", out, out.Add(3*time.Hour)))
	assert.ErrorIs(t, err, history.ErrStorageClosed)

	_, err = store.Get(ctx, "leg-1")
	assert.ErrorIs(t, err, history.ErrStorageClosed)

	_, err = store.List(ctx)
	assert.ErrorIs(t, err, history.ErrStorageClosed)

	_, err = store.DedupeOnce(ctx)
	assert.ErrorIs(t, err, history.ErrStorageClosed)

	assert.ErrorIs(t, store.Clear(ctx), history.ErrStorageClosed)
}

func TestStorage_Clear(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	out := time.Date(2023, 11, 16, 14, 0, 0, 0, time.UTC)
	_, err := store.Archive(ctx, createTestLeg("leg-1", "KSFO", "KLAX", out, out.Add(3*time.Hour)))
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx))

	legs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, legs)
}
