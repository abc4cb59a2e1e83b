// Package review holds the wire types shared by the upstream clients and the
// re-emitting HTTP layer.
package review

// ReviewRecord is one reviewer entry from the vet-review stream. Exactly one
// record arrives per payload chunk, in wire order.
type ReviewRecord struct {
	Reviewer string `json:"reviewer"`
	Content  string `json:"content"`
	Rating   int    `json:"rating"`
}

// Specialty is a single clinical specialty attributed to a vet.
type Specialty struct {
	Name string `json:"name"`
}

// Vet is one veterinarian entry in the clinic details payload.
type Vet struct {
	FirstName   string      `json:"firstName"`
	LastName    string      `json:"lastName"`
	Specialties []Specialty `json:"specialties,omitempty"`
}

// ClinicDetails is the complete single-shot response from the pet-clinic
// details endpoint.
type ClinicDetails struct {
	Vets []Vet `json:"vets"`
}
