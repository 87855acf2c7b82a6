package objfile

import (
	"debug/dwarf"
	"sort"
)

// dwarfContext resolves addresses to inlining chains. Compile units are
// indexed on the first query; the scope tree and line table of a unit are
// decoded the first time an address inside it is looked up.
type dwarfContext struct {
	d *dwarf.Data

	indexed bool
	units   []*dwarfUnit
	names   map[dwarf.Offset]string
}

type pcRange struct {
	lo, hi uint64
}

func containsPC(ranges []pcRange, pc uint64) bool {
	for _, r := range ranges {
		if r.lo <= pc && pc < r.hi {
			return true
		}
	}
	return false
}

type dwarfUnit struct {
	entry  *dwarf.Entry
	ranges []pcRange

	parsed bool
	scopes []*dwarfScope

	lines    *dwarf.LineReader
	noLines  bool
	lineFile []*dwarf.LineFile
}

// dwarfScope is a subprogram or an inlined subroutine.
type dwarfScope struct {
	name     string
	ranges   []pcRange
	callFile int64
	callLine int64
	children []*dwarfScope
}

func newDWARFContext(d *dwarf.Data) *dwarfContext {
	return &dwarfContext{d: d, names: make(map[dwarf.Offset]string)}
}

func (c *dwarfContext) index() {
	if c.indexed {
		return
	}
	c.indexed = true
	r := c.d.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == dwarf.TagCompileUnit || e.Tag == dwarf.TagPartialUnit {
			if ranges := c.ranges(e); len(ranges) > 0 {
				c.units = append(c.units, &dwarfUnit{entry: e, ranges: ranges})
			}
		}
		r.SkipChildren()
	}
	sort.Slice(c.units, func(i, j int) bool {
		return c.units[i].ranges[0].lo < c.units[j].ranges[0].lo
	})
}

func (c *dwarfContext) ranges(e *dwarf.Entry) []pcRange {
	rs, err := c.d.Ranges(e)
	if err != nil {
		return nil
	}
	res := make([]pcRange, 0, len(rs))
	for _, r := range rs {
		if r[1] > r[0] {
			res = append(res, pcRange{lo: r[0], hi: r[1]})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].lo < res[j].lo })
	return res
}

func (c *dwarfContext) unitFor(pc uint64) *dwarfUnit {
	c.index()
	for _, u := range c.units {
		if containsPC(u.ranges, pc) {
			return u
		}
	}
	return nil
}

func (c *dwarfContext) parseUnit(u *dwarfUnit) {
	if u.parsed {
		return
	}
	u.parsed = true
	r := c.d.Reader()
	r.Seek(u.entry.Offset)
	if e, err := r.Next(); err != nil || e == nil || !e.Children {
		return
	}
	u.scopes = c.parseScopes(r)
}

func (c *dwarfContext) parseScopes(r *dwarf.Reader) []*dwarfScope {
	var scopes []*dwarfScope
	for {
		e, err := r.Next()
		if err != nil || e == nil || e.Tag == 0 {
			return scopes
		}
		switch e.Tag {
		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
			s := &dwarfScope{name: c.name(e, 0), ranges: c.ranges(e)}
			if e.Tag == dwarf.TagInlinedSubroutine {
				s.callFile, _ = e.Val(dwarf.AttrCallFile).(int64)
				s.callLine, _ = e.Val(dwarf.AttrCallLine).(int64)
			}
			if e.Children {
				s.children = c.parseScopes(r)
			}
			if len(s.ranges) > 0 {
				scopes = append(scopes, s)
			}
		case dwarf.TagLexDwarfBlock, dwarf.TagNamespace, dwarf.TagModule,
			dwarf.TagClassType, dwarf.TagStructType, dwarf.TagUnionType:
			// Transparent: nested subprograms belong to the enclosing scope.
			if e.Children {
				scopes = append(scopes, c.parseScopes(r)...)
			}
		default:
			if e.Children {
				r.SkipChildren()
			}
		}
	}
}

// name returns the short name of a subprogram, following abstract origins
// and specifications.
func (c *dwarfContext) name(e *dwarf.Entry, depth int) string {
	if n, ok := e.Val(dwarf.AttrName).(string); ok {
		return n
	}
	if depth > 8 {
		return InvalidName
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		if n, ok := c.names[off]; ok {
			return n
		}
		r := c.d.Reader()
		r.Seek(off)
		origin, err := r.Next()
		if err != nil || origin == nil {
			return InvalidName
		}
		n := c.name(origin, depth+1)
		c.names[off] = n
		return n
	}
	return InvalidName
}

// chain returns the scopes containing pc, outermost first.
func chain(scopes []*dwarfScope, pc uint64) []*dwarfScope {
	var res []*dwarfScope
	for len(scopes) > 0 {
		var next []*dwarfScope
		for _, s := range scopes {
			if containsPC(s.ranges, pc) {
				res = append(res, s)
				next = s.children
				break
			}
		}
		scopes = next
	}
	return res
}

func (c *dwarfContext) lineReader(u *dwarfUnit) *dwarf.LineReader {
	if u.lines == nil && !u.noLines {
		lr, err := c.d.LineReader(u.entry)
		if err != nil || lr == nil {
			u.noLines = true
			return nil
		}
		u.lines = lr
		u.lineFile = lr.Files()
	}
	return u.lines
}

func (c *dwarfContext) line(u *dwarfUnit, pc uint64) (string, int, bool) {
	lr := c.lineReader(u)
	if lr == nil {
		return InvalidName, 0, false
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(pc, &le); err != nil {
		return InvalidName, 0, false
	}
	if le.File == nil {
		return InvalidName, le.Line, true
	}
	return le.File.Name, le.Line, true
}

func (c *dwarfContext) file(u *dwarfUnit, idx int64) string {
	if c.lineReader(u) == nil || idx < 0 || idx >= int64(len(u.lineFile)) || u.lineFile[idx] == nil {
		return InvalidName
	}
	return u.lineFile[idx].Name
}

func (c *dwarfContext) lookup(pc uint64) (*dwarfUnit, []*dwarfScope) {
	u := c.unitFor(pc)
	if u == nil {
		return nil, nil
	}
	c.parseUnit(u)
	return u, chain(u.scopes, pc)
}

func (c *dwarfContext) InliningInfo(addr SectionedAddress) []LineInfo {
	u, scopes := c.lookup(addr.Address)
	if u == nil {
		return nil
	}
	file, line, ok := c.line(u, addr.Address)
	if len(scopes) == 0 {
		if !ok {
			return nil
		}
		return []LineInfo{{FunctionName: InvalidName, FileName: file, Line: line}}
	}
	frames := make([]LineInfo, 0, len(scopes))
	for i := len(scopes) - 1; i >= 0; i-- {
		s := scopes[i]
		frames = append(frames, LineInfo{FunctionName: s.name, FileName: file, Line: line})
		// The caller's location is the call site of s.
		file, line = c.file(u, s.callFile), int(s.callLine)
	}
	return frames
}

func (c *dwarfContext) LineInfo(addr SectionedAddress) (LineInfo, bool) {
	u, scopes := c.lookup(addr.Address)
	if u == nil {
		return LineInfo{}, false
	}
	file, line, ok := c.line(u, addr.Address)
	if len(scopes) == 0 && !ok {
		return LineInfo{}, false
	}
	info := LineInfo{FunctionName: InvalidName, FileName: file, Line: line}
	if len(scopes) > 0 {
		info.FunctionName = scopes[len(scopes)-1].name
	}
	return info, true
}
