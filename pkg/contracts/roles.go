package contracts

// OfficerPosting grants one officer one role at one authority. The postings
// directory caches these; the engine checks them on every officer action.
type OfficerPosting struct {
	OfficerID   string `json:"officer_id"`
	AuthorityID string `json:"authority_id"`
	Role        string `json:"role"`
}
