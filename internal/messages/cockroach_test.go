package messages

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/taskloop/pkg/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CockroachStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, &CockroachStore{db: db}
}

var messageRowColumns = []string{"id", "user_id", "session_id", "role", "message", "embedding", "inserted_at"}

func TestCockroachStore_CreateWithoutEmbedding(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs("m1", "u1", "s1", "system", "heads up", sql.NullString{}, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Create(context.Background(), &models.Message{
		ID: "m1", UserID: "u1", SessionID: "s1", Role: models.RoleSystem, Content: "heads up", InsertedAt: now,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCockroachStore_ListPagination(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(messageRowColumns).
		AddRow("m2", "u1", "s1", "assistant", "hello", "", now)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY inserted_at ASC, id ASC LIMIT $3 OFFSET $4")).
		WithArgs("u1", "s1", 1, 1).
		WillReturnRows(rows)

	got, err := store.List(context.Background(), ListOptions{UserID: "u1", SessionID: "s1", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Role != models.RoleAssistant || got[0].Embedding != nil {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestCockroachStore_SearchWithRole(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	cols := append(append([]string{}, messageRowColumns...), "distance")
	rows := sqlmock.NewRows(cols).AddRow("m1", "u1", "s1", "user", "find me", "[1,0]", now, 0.05)
	mock.ExpectQuery(regexp.QuoteMeta("AND role = $4 ORDER BY distance ASC LIMIT $5")).
		WithArgs("u1", "[1,0]", 0.3, "user", 5).
		WillReturnRows(rows)

	hits, err := store.Search(context.Background(), SearchQuery{
		UserID: "u1", Embedding: []float32{1, 0}, MaxDistance: 0.3, Limit: 5, Role: models.RoleUser,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Message.Content != "find me" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestCockroachStore_SessionOwner(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT user_id FROM chat_messages").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	owner, err := store.SessionOwner(context.Background(), "s1")
	if err != nil || owner != "u1" {
		t.Fatalf("SessionOwner = %q, %v", owner, err)
	}

	mock.ExpectQuery("SELECT user_id FROM chat_messages").
		WithArgs("s2").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	owner, err = store.SessionOwner(context.Background(), "s2")
	if err != nil || owner != "" {
		t.Fatalf("SessionOwner(empty) = %q, %v", owner, err)
	}
}
