package nccl

import (
	"fmt"

	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/pkg/errors"
)

// checkSequence publishes the signature of the current collective call and compares it with the one of rank 0.
// Enabled with WithSequenceCheck.
func (pg *ProcessGroupNCCL) checkSequence(opName, key string) error {
	seq := pg.numCalls
	pg.numCalls++
	signature := opName + ":" + key
	if err := pg.store.Set(sequenceKey(seq, pg.rank), []byte(signature)); err != nil {
		return processgroup.WrapKind(processgroup.ErrStore, err, "publishing signature of call #%d", seq)
	}
	if pg.rank == 0 {
		return nil
	}
	rootSignature, err := pg.store.Get(sequenceKey(seq, 0))
	if err != nil {
		return processgroup.WrapKind(processgroup.ErrStore, err, "reading rank 0 signature of call #%d", seq)
	}
	if string(rootSignature) != signature {
		return errors.Wrapf(processgroup.ErrDivergence, "call #%d: rank 0 issued %q, rank %d issued %q",
			seq, rootSignature, pg.rank, signature)
	}
	return nil
}

func sequenceKey(seq uint64, rank int) string {
	return fmt.Sprintf("seq/%d/%d", seq, rank)
}
