package models

// Store is the immutable-per-run configuration of one merchant location:
// its SoT-side identifier, its marketplace-side venue, and the
// credentials used to reach both.
type Store struct {
	ID      int
	Name    string
	VenueID string

	SotBaseURL         string
	SotLogin           string
	SotPassword        string
	MarketplaceBaseURL string
	MarketplaceUser    string
	MarketplacePass    string

	Enabled bool
}

// VenueKey identifies a marketplace venue for the purposes of rate
// limiting and batching, which are scoped per (baseURL, venue, user)
// tuple per spec.md §4.2 — two stores sharing a venue but different
// credentials are treated as distinct rate domains.
type VenueKey struct {
	BaseURL string
	VenueID string
	User    string
}

func (s Store) VenueKey() VenueKey {
	return VenueKey{
		BaseURL: s.MarketplaceBaseURL,
		VenueID: s.VenueID,
		User:    s.MarketplaceUser,
	}
}

// String renders a VenueKey as a stable map/file key.
func (k VenueKey) String() string {
	return k.BaseURL + "|" + k.VenueID + "|" + k.User
}
