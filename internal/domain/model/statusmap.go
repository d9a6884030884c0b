package model

// StatusMap translates amoCRM pipeline status ids into local lead statuses.
type StatusMap map[int64]LeadStatus

// DefaultStatusMap returns the built-in pipeline mapping. 142 and 143 are
// amoCRM's fixed "closed won" and "closed lost" statuses.
func DefaultStatusMap() StatusMap {
	return StatusMap{
		1:   LeadStatusNew,
		2:   LeadStatusContacted,
		3:   LeadStatusPresentation,
		4:   LeadStatusObjectSelected,
		5:   LeadStatusReserved,
		6:   LeadStatusDeal,
		7:   LeadStatusCompleted,
		142: LeadStatusCompleted,
		143: LeadStatusLost,
	}
}

// Lookup returns the local status for an amoCRM status id. Unknown ids map to new.
func (m StatusMap) Lookup(statusID int64) LeadStatus {
	if s, ok := m[statusID]; ok {
		return s
	}
	return LeadStatusNew
}

// With returns a copy of m with overrides applied on top.
func (m StatusMap) With(overrides map[int64]LeadStatus) StatusMap {
	out := make(StatusMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// StatusID returns the amoCRM status id for a local status. When several ids
// map to status the lowest one wins.
func (m StatusMap) StatusID(status LeadStatus) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for id, s := range m {
		if s == status && (!found || id < best) {
			best, found = id, true
		}
	}
	return best, found
}
