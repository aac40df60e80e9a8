package runtime

// Marking maps place ids to non-negative token counts for one net
// instance. Token counts never go negative: Consume reports failure
// instead of overdrafting.
type Marking map[string]int64

func NewMarking() Marking {
	return make(Marking)
}

func (m Marking) Tokens(placeId string) int64 {
	return m[placeId]
}

// Consume removes n tokens from placeId and reports whether the place
// held enough tokens. On failure the marking is unchanged.
func (m Marking) Consume(placeId string, n int64) bool {
	if m[placeId] < n {
		return false
	}
	m[placeId] -= n
	if m[placeId] == 0 {
		delete(m, placeId)
	}
	return true
}

func (m Marking) Produce(placeId string, n int64) {
	m[placeId] += n
}

// Total returns the token count across all places.
func (m Marking) Total() int64 {
	var sum int64
	for _, n := range m {
		sum += n
	}
	return sum
}

func (m Marking) Copy() Marking {
	cp := make(Marking, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
