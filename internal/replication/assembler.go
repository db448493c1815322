package replication

import (
	"github.com/abc3/sequin/pkg/connector"
)

// Assembler buffers row changes between Begin and Commit and emits whole
// transactions in commit order.
type Assembler struct {
	open    bool
	xid     uint32
	final   LSN
	records []connector.ChangeRecord
}

// NewAssembler returns an idle assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// InTransaction reports whether a Begin has been seen without its Commit.
func (a *Assembler) InTransaction() bool {
	return a.open
}

// Reset drops any partially assembled transaction.
func (a *Assembler) Reset() {
	a.open = false
	a.xid = 0
	a.final = 0
	a.records = nil
}

// Push feeds one event. It returns a transaction when ev completes one.
func (a *Assembler) Push(ev Event) (*connector.Transaction, error) {
	switch ev.Kind {
	case EventBegin:
		if a.open {
			return nil, connector.Protocolf(ev.LSN, "begin xid=%d inside open transaction xid=%d", ev.Begin.Xid, a.xid)
		}
		a.open = true
		a.xid = ev.Begin.Xid
		a.final = ev.Begin.FinalLSN
		a.records = a.records[:0]
		return nil, nil

	case EventChange:
		if !a.open {
			return nil, connector.Protocolf(ev.LSN, "row change for %s outside a transaction", ev.Change.QualifiedName())
		}
		a.records = append(a.records, *ev.Change)
		return nil, nil

	case EventCommit:
		if !a.open {
			return nil, connector.Protocolf(ev.LSN, "commit without begin")
		}
		if ev.Commit.CommitLSN != a.final {
			return nil, connector.Protocolf(ev.LSN, "commit lsn %s does not match begin final lsn %s", ev.Commit.CommitLSN, a.final)
		}
		records := make([]connector.ChangeRecord, len(a.records))
		for idx := range a.records {
			rec := a.records[idx]
			rec.Position = connector.Position{CommitLSN: ev.Commit.CommitLSN, Seq: uint32(idx)}
			rec.CommitTime = ev.Commit.CommitTime
			records[idx] = rec
		}
		txn := &connector.Transaction{
			XID:        a.xid,
			CommitLSN:  ev.Commit.CommitLSN,
			EndLSN:     ev.Commit.TransactionEndLSN,
			CommitTime: ev.Commit.CommitTime,
			Records:    records,
		}
		a.Reset()
		return txn, nil

	default:
		// relation announcements may arrive inside a transaction; the catalog
		// has already absorbed them.
		return nil, nil
	}
}
