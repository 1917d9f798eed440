package page

// CompactResult reports the outcome of a Compact call.
type CompactResult struct {
	PagesBefore   uint64
	PagesAfter    uint64
	PagesReclaimed uint64
}

// Compact shrinks the backing file by reclaiming free pages at the tail
// of the page-ID space. It only truncates a contiguous run of free pages
// ending at the current high-water mark; free pages elsewhere stay on the
// free-list for reuse. Callers must hold exclusive access to the store
// (no concurrent Alloc/Free) for the duration of the call.
func (s *Store) Compact() (CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := make(map[ID]struct{}, s.freeMgr.Count())
	for _, id := range s.freeMgr.All() {
		free[id] = struct{}{}
	}

	before := s.sb.PageCount
	count := before
	for count > 2 {
		if _, ok := free[ID(count-1)]; !ok {
			break
		}
		count--
	}
	reclaimed := before - count
	if reclaimed == 0 {
		return CompactResult{PagesBefore: before, PagesAfter: before}, nil
	}

	remaining := make([]ID, 0, len(free))
	for id := range free {
		if id < ID(count) {
			remaining = append(remaining, id)
		}
	}
	s.freeMgr.Load(remaining)
	s.sb.PageCount = count

	if err := s.arr.Truncate(int64(count) * s.slotSize); err != nil {
		return CompactResult{}, err
	}
	return CompactResult{PagesBefore: before, PagesAfter: count, PagesReclaimed: reclaimed}, nil
}
