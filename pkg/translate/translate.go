// Package translate drives a guest decoder over guest memory to build one
// IR block and lowers it with the selected backend.
package translate

import (
	"golang.org/x/crypto/blake2b"

	"xlate/pkg/backend"
	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
	"xlate/pkg/softtlb"
	"xlate/pkg/types"
)

// FetchFunc returns n guest code bytes starting at pc.
type FetchFunc func(pc types.GuestAddr, n int) ([]byte, error)

// Decoder is supplied per guest architecture.
//
// DecodeAndEmit decodes the instruction at pc and appends its IR, starting
// with an InsnStart for it. It must finish every fetch before emitting, so
// that a fetch error leaves the builder untouched. It returns the bytes
// consumed and whether the instruction ended the block.
//
// EndBlock terminates a block that stops at next without a control
// transfer of its own, when the instruction or page limit is hit.
type Decoder interface {
	DecodeAndEmit(pc types.GuestAddr, fetch FetchFunc, b *ir.Builder) (consumed int, terminated bool, err error)
	EndBlock(next types.GuestAddr, b *ir.Builder) error
}

// Memory is the view of guest memory the pipeline reads code through.
type Memory interface {
	softtlb.Walker
	Frame(f uint64) []byte
}

// Extent is a run of guest code bytes inside one host frame.
type Extent struct {
	Frame uint64
	Off   int
	Len   int
}

// Result is one translated block.
type Result struct {
	IR      *ir.Block
	Code    *hostcode.Code
	Pages   []uint64 // virtual page numbers the code was read from
	Frames  []uint64 // host frames backing those pages
	Extents []Extent
	Sum     [32]byte // blake2b-256 of the guest code bytes
}

// Options bound a translation.
type Options struct {
	MaxInsns int
}

// Pipeline turns guest code into host code for one guest and host pairing.
type Pipeline struct {
	dec  Decoder
	mem  Memory
	desc *backend.Descriptor
	opts Options
}

func NewPipeline(dec Decoder, mem Memory, desc *backend.Descriptor, opts Options) *Pipeline {
	if opts.MaxInsns <= 0 {
		opts.MaxInsns = constants.DefaultMaxBlockInsns
	}
	return &Pipeline{dec: dec, mem: mem, desc: desc, opts: opts}
}

// Descriptor returns the backend descriptor blocks are lowered for.
func (p *Pipeline) Descriptor() *backend.Descriptor { return p.desc }

// Translate builds and compiles the block at pc. track is called with each
// frame before any of its bytes are read. A block the backend rejects as
// too large is retried with half as many guest instructions.
func (p *Pipeline) Translate(pc types.GuestAddr, mode types.Mode, track func(frame uint64)) (*Result, error) {
	limit := p.opts.MaxInsns
	seen := make(map[uint64]bool)
	trackOnce := func(f uint64) {
		if !seen[f] {
			seen[f] = true
			if track != nil {
				track(f)
			}
		}
	}
	for {
		res, err := p.build(pc, mode, limit, trackOnce)
		if err != nil {
			return nil, err
		}
		code, err := backend.Compile(res.IR, p.desc)
		if err != nil {
			var te *xerrors.TranslationError
			if xerrors.As(err, &te) && te.Reason == xerrors.ReasonTooLarge && res.IR.InsnCount > 1 {
				limit = res.IR.InsnCount / 2
				continue
			}
			return nil, err
		}
		res.Code = code
		return res, nil
	}
}

// BuildIR runs only the front half of the pipeline.
func (p *Pipeline) BuildIR(pc types.GuestAddr, mode types.Mode) (*ir.Block, error) {
	res, err := p.build(pc, mode, p.opts.MaxInsns, func(uint64) {})
	if err != nil {
		return nil, err
	}
	return res.IR, nil
}

func (p *Pipeline) build(pc types.GuestAddr, mode types.Mode, limit int, track func(uint64)) (*Result, error) {
	res := &Result{}
	r := &reader{mem: p.mem, res: res, track: track}
	b := ir.NewBuilder(pc, mode)

	next := pc
	for !b.Terminated() {
		if b.InsnCount() >= limit || (b.InsnCount() > 0 && next.PageNumber() != pc.PageNumber()) {
			if err := p.dec.EndBlock(next, b); err != nil {
				return nil, xerrors.WrapTranslationError(err, pc, xerrors.ReasonDecode)
			}
			break
		}
		n, _, err := p.dec.DecodeAndEmit(next, r.fetch, b)
		if err != nil {
			var gf *xerrors.GuestFault
			switch {
			case xerrors.As(err, &gf) && b.InsnCount() == 0:
				return nil, xerrors.WrapTranslationError(gf, pc, xerrors.ReasonFetch)
			case xerrors.As(err, &gf):
				// Let the faulting instruction start its own block.
				if err := p.dec.EndBlock(next, b); err != nil {
					return nil, xerrors.WrapTranslationError(err, pc, xerrors.ReasonDecode)
				}
			default:
				if b.InsnCount() == 0 {
					return nil, xerrors.WrapTranslationError(err, pc, xerrors.ReasonDecode)
				}
				// Translate what decoded; the bad instruction is reached
				// through its own block and reported there.
				if err := p.dec.EndBlock(next, b); err != nil {
					return nil, xerrors.WrapTranslationError(err, pc, xerrors.ReasonDecode)
				}
			}
			break
		}
		next += types.GuestAddr(n)
	}

	blk, err := b.Finalize()
	if err != nil {
		return nil, xerrors.WrapTranslationError(err, pc, xerrors.ReasonDecode)
	}
	res.IR = blk
	res.Sum = Fingerprint(p.mem, res.Extents)
	return res, nil
}

type reader struct {
	mem   Memory
	res   *Result
	track func(uint64)
}

func (r *reader) fetch(pc types.GuestAddr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		va := pc + types.GuestAddr(len(out))
		base, _, fault := r.mem.Walk(va, types.AccessExec)
		if fault != nil {
			return nil, fault
		}
		frame := uint64(base) >> constants.PageBits
		r.note(va.PageNumber(), frame)

		off := int(va.PageOffset())
		take := constants.PageSize - off
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, r.mem.Frame(frame)[off:off+take]...)
		r.res.Extents = append(r.res.Extents, Extent{Frame: frame, Off: off, Len: take})
	}
	return out, nil
}

func (r *reader) note(vpn, frame uint64) {
	r.track(frame)
	for i, p := range r.res.Pages {
		if p == vpn && r.res.Frames[i] == frame {
			return
		}
	}
	r.res.Pages = append(r.res.Pages, vpn)
	r.res.Frames = append(r.res.Frames, frame)
}

// Fingerprint hashes the current contents of the given extents.
func Fingerprint(mem interface{ Frame(uint64) []byte }, ext []Extent) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, e := range ext {
		h.Write(mem.Frame(e.Frame)[e.Off : e.Off+e.Len])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
