package repository

import "github.com/pesio-ai/be-plt-workflows/internal/database"

// PostgresStore composes the Postgres repositories into a Store.
type PostgresStore struct {
	*DefinitionRepository
	*InstanceRepository
	*ApprovalRepository
	*DelegateRepository
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Store backed by db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		DefinitionRepository: NewDefinitionRepository(db),
		InstanceRepository:   NewInstanceRepository(db),
		ApprovalRepository:   NewApprovalRepository(db),
		DelegateRepository:   NewDelegateRepository(db),
	}
}
