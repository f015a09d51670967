package observer

import "github.com/jcmexdev/iap-proxy/internal/storekit"

// maxAcknowledged bounds how many acknowledged transactions are remembered.
const maxAcknowledged = 4096

// ackSet remembers acknowledged transactions by pointer and, when they have
// one, by id. Transactions without an id are told apart by pointer only.
// The oldest entries are forgotten once the set is full.
type ackSet struct {
	limit int
	ptrs  map[*storekit.Transaction]struct{}
	ids   map[string]struct{}
	order []*storekit.Transaction
}

func newAckSet(limit int) *ackSet {
	return &ackSet{
		limit: limit,
		ptrs:  make(map[*storekit.Transaction]struct{}),
		ids:   make(map[string]struct{}),
	}
}

// mark records t and reports whether it had not been acknowledged before.
func (s *ackSet) mark(t *storekit.Transaction) bool {
	if _, ok := s.ptrs[t]; ok {
		return false
	}
	if t.ID != "" {
		if _, ok := s.ids[t.ID]; ok {
			return false
		}
		s.ids[t.ID] = struct{}{}
	}
	s.ptrs[t] = struct{}{}
	s.order = append(s.order, t)

	if len(s.order) > s.limit {
		oldest := s.order[0]
		s.order[0] = nil
		s.order = s.order[1:]
		delete(s.ptrs, oldest)
		if oldest.ID != "" {
			delete(s.ids, oldest.ID)
		}
	}
	return true
}
