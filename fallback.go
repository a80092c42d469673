package dal

import (
	"context"
	"io"
)

// ============================================================================
// Default-operation fallbacks
// ============================================================================
// Each operation below dispatches natively when the outermost capability
// allows it, and otherwise tries one fixed fallback built from primitives the
// chain does support. When no fallback applies the call fails with
// KindUnsupported naming the missing capability.
//
//	operation        native bit           fallback
//	range read       ReadWithRange        whole read then slice, bounded
//	recursive list   ListWithRecursive    walk with a pending-directory queue
//	start_after      ListWithStartAfter   skip in the Lister
//	create_dir       CreateDir            empty "dir/" object
//	copy             Copy                 read then write
//	rename           Rename               copy then delete
//	batch            Batch                delete one by one

func (o *Operator) read(ctx context.Context, p string, op OpRead) (io.ReadCloser, *Metadata, error) {
	c := o.capability()
	if !c.Read {
		return nil, nil, pathed(Unsupported("read", "Read"), p)
	}
	if op.Range.IsFull() || c.ReadWithRange {
		if err := ValidateRead(c, op); err != nil {
			return nil, nil, pathed(err, p)
		}
		return o.acc.Read(ctx, p, op)
	}

	// conditions are checked by the whole read below
	whole := op
	whole.Range = FullRange
	if err := ValidateRead(c, whole); err != nil {
		return nil, nil, pathed(err, p)
	}
	md, err := o.acc.Stat(ctx, p, OpStat{})
	if err != nil {
		return nil, nil, err
	}
	if md.Size > o.maxFallbackRead {
		return nil, nil, Errorf(KindUnsupported, "read", p,
			"missing capability ReadWithRange and object size %d exceeds fallback limit %d", md.Size, o.maxFallbackRead)
	}
	o.logger.DebugContext(ctx, "dal: range read fallback", "path", p, "size", md.Size)

	rc, full, err := o.acc.Read(ctx, p, whole)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, WrapError("read", p, err)
	}
	body, out := RangeReader(data, op.Range, full)
	return body, out, nil
}

func (o *Operator) list(ctx context.Context, p string, op OpList) (*Lister, error) {
	c := o.capability()
	if !c.List {
		return nil, pathed(Unsupported("list", "List"), p)
	}

	startAfter := ""
	if op.StartAfter != "" && !c.ListWithStartAfter {
		startAfter = op.StartAfter
		op.StartAfter = ""
	}
	if !c.ListWithLimit {
		op.Limit = 0
	}

	var pager Pager
	if op.Recursive && !c.ListWithRecursive {
		o.logger.DebugContext(ctx, "dal: recursive list fallback", "path", p)
		pager = NewWalkPager(o.acc, p, op)
	} else {
		var err error
		pager, err = o.acc.List(ctx, p, op)
		if err != nil {
			return nil, err
		}
	}

	l := NewLister(pager, p)
	if startAfter != "" {
		l.skipThrough(startAfter)
	}
	return l, nil
}

func (o *Operator) createDir(ctx context.Context, p string) error {
	c := o.capability()
	if c.CreateDir {
		return o.acc.CreateDir(ctx, p, OpCreateDir{})
	}
	if c.Write && c.WriteCanEmpty {
		_, err := o.acc.Write(ctx, p, emptyReader{}, OpWrite{Size: 0})
		return err
	}
	return pathed(Unsupported("create_dir", "CreateDir"), p)
}

func (o *Operator) copy(ctx context.Context, from, to string) error {
	c := o.capability()
	if c.Copy {
		return o.acc.Copy(ctx, from, to, OpCopy{})
	}
	if !c.Read || !c.Write {
		return pathed(Unsupported("copy", "Copy"), from)
	}
	o.logger.DebugContext(ctx, "dal: copy fallback", "from", from, "to", to)
	return o.streamCopy(ctx, from, to)
}

// streamCopy copies one object through a read stream and a write.
func (o *Operator) streamCopy(ctx context.Context, from, to string) error {
	c := o.capability()
	rc, md, err := o.acc.Read(ctx, from, OpRead{Range: FullRange})
	if err != nil {
		return err
	}
	defer rc.Close()

	op := OpWrite{Size: -1}
	if md != nil {
		op.Size = md.Size
		if c.WriteWithContentType {
			op.ContentType = md.ContentType
		}
	}
	if op.Size == 0 && !c.WriteCanEmpty {
		return pathed(Unsupported("copy", "WriteCanEmpty"), from)
	}
	_, err = o.acc.Write(ctx, to, rc, op)
	return err
}

func (o *Operator) rename(ctx context.Context, from, to string) error {
	c := o.capability()
	if c.Rename {
		return o.acc.Rename(ctx, from, to, OpRename{})
	}
	if !c.Delete || !(c.Copy || (c.Read && c.Write)) {
		return pathed(Unsupported("rename", "Rename"), from)
	}
	o.logger.DebugContext(ctx, "dal: rename fallback", "from", from, "to", to)
	if err := o.copy(ctx, from, to); err != nil {
		return err
	}
	return o.acc.Delete(ctx, from, OpDelete{})
}

func (o *Operator) batch(ctx context.Context, paths []string) ([]BatchResult, error) {
	c := o.capability()
	if c.Batch {
		size := c.BatchMaxOperations
		if size <= 0 {
			size = len(paths)
		}
		results := make([]BatchResult, 0, len(paths))
		for start := 0; start < len(paths); start += size {
			end := min(start+size, len(paths))
			res, err := o.acc.Batch(ctx, OpBatch{Paths: paths[start:end]})
			if err != nil {
				return results, err
			}
			results = append(results, res...)
		}
		return results, nil
	}
	if !c.Delete {
		p := ""
		if len(paths) > 0 {
			p = paths[0]
		}
		return nil, pathed(Unsupported("batch", "Delete"), p)
	}

	results := make([]BatchResult, 0, len(paths))
	for _, p := range paths {
		if err := CheckContext(ctx, "batch", p); err != nil {
			return results, err
		}
		results = append(results, BatchResult{Path: p, Err: o.acc.Delete(ctx, p, OpDelete{})})
	}
	return results, nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
