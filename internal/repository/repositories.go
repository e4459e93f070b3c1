package repository

import "database/sql"

// Repositories bundles every store the engine reads and writes.
type Repositories struct {
	Identities  IdentityRepositoryInterface
	Campaigns   CampaignRepositoryInterface
	Leads       LeadRepositoryInterface
	Enrollments EnrollmentRepositoryInterface
	Dispatches  DispatchRepositoryInterface
	Inbound     InboundRepositoryInterface
}

func NewPostgresRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Identities:  &IdentityRepository{DB: db},
		Campaigns:   &CampaignRepository{DB: db},
		Leads:       &LeadRepository{DB: db},
		Enrollments: &EnrollmentRepository{DB: db},
		Dispatches:  &DispatchRepository{DB: db},
		Inbound:     &InboundRepository{DB: db},
	}
}

func NewMemoryRepositories(s *MemoryStore) *Repositories {
	return &Repositories{
		Identities:  s.Identities(),
		Campaigns:   s.Campaigns(),
		Leads:       s.Leads(),
		Enrollments: s.Enrollments(),
		Dispatches:  s.Dispatches(),
		Inbound:     s.Inbound(),
	}
}
