package domain

// Role is the permission level of a participant inside a room.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleUser, RoleModerator:
		return true
	}
	return false
}

// IsModerator reports whether the role grants moderation rights.
func (r Role) IsModerator() bool { return r == RoleModerator }

// FeatureID names a feature a tariff may enable, e.g. "chat" or "recording".
// Features gate which signaling modules are built for a connection.
type FeatureID string

// FeatureSet is the set of features enabled for a room.
type FeatureSet map[FeatureID]struct{}

// NewFeatureSet builds a FeatureSet from the given ids.
func NewFeatureSet(ids ...FeatureID) FeatureSet {
	s := make(FeatureSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether the feature is enabled.
func (s FeatureSet) Has(id FeatureID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the features in unspecified order.
func (s FeatureSet) Slice() []FeatureID {
	out := make([]FeatureID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
