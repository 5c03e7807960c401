package attest

import "sync"

// MockVerifier is a scriptable Verifier for tests: accepts everything by
// default, rejects everything when Fail is set, and records how many
// proofs it saw. It lets oracle validation logic be exercised without a
// real attester set.
type MockVerifier struct {
	mu    sync.Mutex
	Fail  error // returned verbatim when non-nil
	calls int
}

func (m *MockVerifier) Verify(p *Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Fail != nil {
		return m.Fail
	}
	return nil
}

func (m *MockVerifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ Verifier = (*MockVerifier)(nil)
