package postgres

import (
	"context"
	"testing"
	"time"

	"tipledger/internal/core/domain"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userColumns() []string {
	return []string{"id", "display_name", "frozen", "created_at", "updated_at"}
}

func TestUserRepo_Upsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUserRepo(mock)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO users .+ ON CONFLICT \\(id\\) DO UPDATE .+ RETURNING").
		WithArgs("42", "", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(userColumns()).AddRow("42", "alice", true, now, now))

	u, err := repo.Upsert(context.Background(), &domain.User{ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.DisplayName, "empty name keeps the stored one")
	assert.True(t, u.Frozen, "upsert never clears the frozen flag")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUserRepo(mock)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM users WHERE id").
		WithArgs("42").
		WillReturnRows(pgxmock.NewRows(userColumns()).AddRow("42", "alice", false, now, now))
	mock.ExpectQuery("SELECT .+ FROM users WHERE id").
		WithArgs("43").
		WillReturnRows(pgxmock.NewRows(userColumns()))

	u, err := repo.GetByID(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.DisplayName)

	u, err = repo.GetByID(context.Background(), "43")
	assert.NoError(t, err)
	assert.Nil(t, u)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_SetFrozen(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUserRepo(mock)

	mock.ExpectExec("UPDATE users SET frozen").
		WithArgs("42", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE users SET frozen").
		WithArgs("43", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.NoError(t, repo.SetFrozen(context.Background(), "42", true))
	assert.ErrorContains(t, repo.SetFrozen(context.Background(), "43", true), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
