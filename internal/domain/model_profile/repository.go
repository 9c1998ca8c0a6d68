package model_profile

import "context"

// Store persists profiles between restarts
type Store interface {
	UpsertModelProfile(ctx context.Context, key Key, profile *Profile) error
	ListModelProfiles(ctx context.Context) ([]*Profile, error)
}
