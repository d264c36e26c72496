package xls

import (
	"encoding/binary"
	"os"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// oleSignature is the magic cookie that should appear in the first 8 bytes
// of an OLE2 compound document file.
var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// Sector chain sentinels. A SAT entry is either the next sector id in the
// chain or one of these.
const (
	eocSID  = -2 // end of chain
	freeSID = -1 // unallocated sector
	satSID  = -3 // sector holds SAT data
	msatSID = -4 // sector holds MSAT data
	evilSID = -5 // substituted for out-of-range references in truncated files
)

// scatterThreshold is the fragmented-stream size above which the located
// stream is served lazily instead of copied; below it a single owned
// buffer is cheaper than re-mapping the file.
const scatterThreshold = 90 * 1024 * 1024

// DirNode is one decoded 128-byte directory entry. Entries form binary
// trees (left/right/root ids) within their parent storage; Children and
// Parent are filled in by the tree-flattening pass.
type DirNode struct {
	DID      int
	Name     string
	EType    int // 0=unused 1=storage 2=stream 5=root
	LeftDID  int
	RightDID int
	RootDID  int
	FirstSID int
	TotSize  int
	Children []int
	Parent   int
}

func newDirNode(did int, dent []byte) *DirNode {
	node := &DirNode{
		DID:      did,
		EType:    int(dent[66]),
		LeftDID:  geti32(dent, 68),
		RightDID: geti32(dent, 72),
		RootDID:  geti32(dent, 76),
		FirstSID: geti32(dent, 116),
		TotSize:  geti32(dent, 120),
		Parent:   -1, // orphan until the tree pass claims it
	}
	cbufsize := int(binary.LittleEndian.Uint16(dent[64:66]))
	if cbufsize > 2 && cbufsize <= 64 {
		// omit the trailing U+0000
		node.Name = decodeUTF16LE(dent[0 : cbufsize-2])
	}
	return node
}

// buildFamilyTree flattens the pointer-linked directory array into
// parent/children lists by an in-order walk of each storage's binary tree.
// The visited bound guarantees termination on malformed (cyclic) trees.
func buildFamilyTree(dirList []*DirNode, parentDID, childDID int, visited []bool) {
	if childDID < 0 || childDID >= len(dirList) || visited[childDID] {
		return
	}
	visited[childDID] = true
	buildFamilyTree(dirList, parentDID, dirList[childDID].LeftDID, visited)
	dirList[parentDID].Children = append(dirList[parentDID].Children, childDID)
	dirList[childDID].Parent = parentDID
	buildFamilyTree(dirList, parentDID, dirList[childDID].RightDID, visited)
	if dirList[childDID].EType == 1 { // storage: descend into its own tree
		buildFamilyTree(dirList, childDID, dirList[childDID].RootDID, visited)
	}
}

// byteSource is a random-access window over workbook stream bytes.
// Slicing past the end is clamped, mirroring how the record cursor
// detects end of stream.
type byteSource interface {
	Len() int
	Slice(start, end int) []byte
}

type memSource []byte

func (m memSource) Len() int { return len(m) }

func (m memSource) Slice(start, end int) []byte {
	if start >= len(m) {
		return nil
	}
	if end > len(m) {
		end = len(m)
	}
	return m[start:end]
}

// scatteredSource serves a large fragmented stream without materializing
// it: fragment ranges index into the backing file, which is mapped on
// first use and released with Close.
type scatteredSource struct {
	path   string
	frags  [][2]int // [start, end) offsets into the backing file
	cum    []int    // cumulative fragment lengths
	size   int
	file   *os.File
	mapped mmap.MMap
	logger *zap.Logger
}

func newScatteredSource(path string, frags [][2]int, size int, logger *zap.Logger) *scatteredSource {
	cum := make([]int, len(frags))
	total := 0
	for i, f := range frags {
		total += f[1] - f[0]
		cum[i] = total
	}
	return &scatteredSource{path: path, frags: frags, cum: cum, size: size, logger: logger}
}

func (s *scatteredSource) Len() int { return s.size }

func (s *scatteredSource) ensure() error {
	if s.mapped != nil {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.mapped = m
	return nil
}

func (s *scatteredSource) Slice(start, end int) []byte {
	if start >= s.size {
		return nil
	}
	if end > s.size {
		end = s.size
	}
	if err := s.ensure(); err != nil {
		s.logger.Error("re-mapping fragmented stream failed", zap.String("path", s.path), zap.Error(err))
		return nil
	}
	out := make([]byte, 0, end-start)
	// first fragment containing offset start
	idx := sort.SearchInts(s.cum, start+1)
	off := start
	if idx > 0 {
		off -= s.cum[idx-1]
	}
	for need := end - start; need > 0 && idx < len(s.frags); idx++ {
		frag := s.mapped[s.frags[idx][0]:s.frags[idx][1]]
		frag = frag[off:]
		if len(frag) > need {
			frag = frag[:need]
		}
		out = append(out, frag...)
		need -= len(frag)
		off = 0
	}
	return out
}

func (s *scatteredSource) Close() error {
	var err error
	if s.mapped != nil {
		err = s.mapped.Unmap()
		s.mapped = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// CompDoc reads the OLE2 compound document wrapping a workbook stream.
// One instance serves one load session: the seen-sector set that detects
// chain corruption is scoped to it.
type CompDoc struct {
	path             string
	mem              []byte
	logger           *zap.Logger
	ignoreCorruption bool

	secSize          int
	shortSecSize     int
	minSizeStdStream int
	memDataLen       int
	memDataSecs      int

	seen    []byte
	SAT     []int
	SSAT    []int
	SSCS    []byte
	dirList []*DirNode
}

// NewCompDoc parses the container header and builds the allocation tables
// and directory. path is used only to re-open the file for lazily served
// fragmented streams; it may be empty when mem was supplied directly.
func NewCompDoc(path string, mem []byte, logger *zap.Logger, ignoreCorruption bool) (*CompDoc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(mem) < 512 {
		return nil, formatErrorf("file too short (%d bytes) for an OLE2 compound document header", len(mem))
	}
	if string(mem[0:8]) != string(oleSignature) {
		return nil, formatErrorf("not an OLE2 compound document")
	}
	if mem[28] != 0xFE || mem[29] != 0xFF {
		return nil, formatErrorf("expected little-endian marker, found % X", mem[28:30])
	}
	c := &CompDoc{path: path, mem: mem, logger: logger, ignoreCorruption: ignoreCorruption}
	revision := binary.LittleEndian.Uint16(mem[24:26])
	version := binary.LittleEndian.Uint16(mem[26:28])
	logger.Debug("compound document header",
		zap.Uint16("version", version), zap.Uint16("revision", revision))

	ssz := int(binary.LittleEndian.Uint16(mem[30:32]))
	sssz := int(binary.LittleEndian.Uint16(mem[32:34]))
	if ssz > 20 { // allows for 2**20 bytes i.e. 1MB
		logger.Warn("sector size exponent is preposterous; assuming 512 and continuing", zap.Int("exponent", ssz))
		ssz = 9
	}
	if sssz > ssz {
		logger.Warn("short sector size exponent is preposterous; assuming 64 and continuing", zap.Int("exponent", sssz))
		sssz = 6
	}
	c.secSize = 1 << ssz
	c.shortSecSize = 1 << sssz

	satTotSecs := geti32(mem, 44)
	dirFirstSID := geti32(mem, 48)
	_ = geti32(mem, 52) // transaction signature, unused
	c.minSizeStdStream = geti32(mem, 56)
	ssatFirstSID := geti32(mem, 60)
	ssatTotSecs := geti32(mem, 64)
	msatxFirstSID := geti32(mem, 68)
	msatxTotSecs := geti32(mem, 72)

	c.memDataLen = len(mem) - 512
	c.memDataSecs = c.memDataLen / c.secSize
	if c.memDataLen%c.secSize != 0 {
		c.memDataSecs++
		logger.Warn("file size is not 512 + a whole number of sectors",
			zap.Int("fileSize", len(mem)), zap.Int("sectorSize", c.secSize))
	}
	c.seen = make([]byte, c.memDataSecs)

	nent := c.secSize / 4 // SID entries per sector
	truncWarned := false

	// === build the MSAT ===
	msat := make([]int, 0, 109+nent)
	for off := 76; off < 512; off += 4 {
		msat = append(msat, geti32(mem, off))
	}
	satSectorsReqd := (c.memDataSecs + nent - 1) / nent
	expectedMSATX := (satSectorsReqd - 109 + nent - 2) / (nent - 1)
	if expectedMSATX < 0 {
		expectedMSATX = 0
	}
	actualMSATX := 0
	if msatxTotSecs == 0 && (msatxFirstSID == eocSID || msatxFirstSID == freeSID || msatxFirstSID == 0) {
		// Strictly only EOC marks "no extension", but FREE and 0 have been
		// met in the wild.
	} else {
		sid := msatxFirstSID
		for sid != eocSID && sid != freeSID && sid != msatSID {
			if sid >= c.memDataSecs {
				return nil, corruptionErrorf("MSAT extension: accessing sector %d but only %d in file", sid, c.memDataSecs)
			}
			if sid < 0 {
				return nil, corruptionErrorf("MSAT extension: invalid sector id %d", sid)
			}
			if c.seen[sid] != 0 {
				return nil, corruptionErrorf("MSAT corruption: sector %d already seen (%d)", sid, c.seen[sid])
			}
			c.seen[sid] = 1
			actualMSATX++
			offset := 512 + c.secSize*sid
			for k := 0; k < nent; k++ {
				msat = append(msat, geti32(mem, offset+4*k))
			}
			// last entry of the sector is the link to the next one
			sid = msat[len(msat)-1]
			msat = msat[:len(msat)-1]
		}
	}
	if actualMSATX != expectedMSATX {
		// Observed in otherwise-readable files; continue with what we have.
		logger.Debug("MSAT extension sector count differs from expectation",
			zap.Int("expected", expectedMSATX), zap.Int("actual", actualMSATX),
			zap.Int("dataSectors", c.memDataSecs), zap.Int("satSectorsReqd", satSectorsReqd))
	}

	// === build the SAT ===
	actualSATSectors := 0
	substituted := false
	for msidx, msid := range msat {
		if msid == freeSID || msid == eocSID {
			// The MSAT may be padded with trailing free entries; tolerate
			// them anywhere.
			continue
		}
		if msid >= c.memDataSecs {
			if !truncWarned {
				logger.Warn("file is truncated, or the MSAT is corrupt",
					zap.Int("sector", msid), zap.Int("available", c.memDataSecs))
				truncWarned = true
			}
			msat[msidx] = evilSID
			substituted = true
			continue
		}
		if msid < -2 {
			return nil, corruptionErrorf("MSAT: invalid sector id %d", msid)
		}
		if c.seen[msid] != 0 {
			return nil, corruptionErrorf("MSAT extension corruption: sector %d already seen (%d)", msid, c.seen[msid])
		}
		c.seen[msid] = 2
		actualSATSectors++
		if actualSATSectors > satSectorsReqd {
			logger.Debug("more SAT sectors than the file size requires",
				zap.Int("satSectorsReqd", satSectorsReqd), zap.Int("actual", actualSATSectors))
		}
		offset := 512 + c.secSize*msid
		for k := 0; k < nent; k++ {
			c.SAT = append(c.SAT, geti32(mem, offset+4*k))
		}
	}
	_ = satTotSecs
	if substituted {
		// Entries past the real data are unreachable in a truncated file.
		for satx := c.memDataSecs; satx < len(c.SAT); satx++ {
			c.SAT[satx] = evilSID
		}
	}

	// === build the directory ===
	dbytes, err := c.getStream(mem, 512, c.SAT, c.secSize, dirFirstSID, -1, "directory", 3)
	if err != nil {
		return nil, err
	}
	for pos := 0; pos+128 <= len(dbytes); pos += 128 {
		c.dirList = append(c.dirList, newDirNode(len(c.dirList), dbytes[pos:pos+128]))
	}
	if len(c.dirList) == 0 {
		return nil, corruptionErrorf("compound document directory is empty")
	}
	visited := make([]bool, len(c.dirList))
	buildFamilyTree(c.dirList, 0, c.dirList[0].RootDID, visited)

	// === get the short-stream container (SSCS) ===
	root := c.dirList[0]
	if root.EType != 5 {
		return nil, corruptionErrorf("directory entry 0 is not the root storage (etype=%d)", root.EType)
	}
	if root.FirstSID < 0 || root.TotSize == 0 {
		// Some writers emit -1 instead of the end-of-chain sentinel for an
		// empty container; avoid walking the chain in any such case.
		c.SSCS = nil
	} else {
		c.SSCS, err = c.getStream(mem, 512, c.SAT, c.secSize, root.FirstSID, root.TotSize, "SSCS", 4)
		if err != nil {
			return nil, err
		}
	}

	// === build the SSAT ===
	if ssatTotSecs > 0 && root.TotSize == 0 {
		logger.Warn("inconsistent container: SSCS size is 0 but SSAT size is non-zero")
	}
	if root.TotSize > 0 {
		sid := ssatFirstSID
		nsecs := ssatTotSecs
		for sid >= 0 && nsecs > 0 {
			if sid >= c.memDataSecs {
				return nil, corruptionErrorf("SSAT: accessing sector %d but only %d in file", sid, c.memDataSecs)
			}
			if c.seen[sid] != 0 {
				return nil, corruptionErrorf("SSAT corruption: sector %d already seen (%d)", sid, c.seen[sid])
			}
			c.seen[sid] = 5
			nsecs--
			offset := 512 + sid*c.secSize
			for k := 0; k < nent; k++ {
				c.SSAT = append(c.SSAT, geti32(mem, offset+4*k))
			}
			if sid >= len(c.SAT) {
				return nil, corruptionErrorf("SSAT chain: sector allocation table has no entry for sector %d", sid)
			}
			sid = c.SAT[sid]
		}
		if nsecs != 0 || sid != eocSID {
			logger.Debug("SSAT chain ended unexpectedly; continuing with best-effort table",
				zap.Int("lastSID", sid), zap.Int("remaining", nsecs))
		}
	}
	return c, nil
}

// getStream walks a sector chain and returns the concatenated bytes.
// size < 0 means "unknown; take whole sectors". seenID > 0 marks sectors
// in the seen set (revisit is corruption); pass 0 to skip marking, as for
// short-stream reads whose sector ids index the SSCS, not the file. When
// the size is known, the chain length is bounded by it, so a cyclic chain
// terminates even without the seen set.
func (c *CompDoc) getStream(mem []byte, base int, sat []int, secSize, startSID, size int, name string, seenID int) ([]byte, error) {
	var out []byte
	s := startSID
	todo := size
	foundLimit := -1
	if size >= 0 {
		foundLimit = (size + secSize - 1) / secSize
	}
	found := 0
	for s >= 0 {
		if seenID > 0 {
			if s >= len(c.seen) {
				return nil, corruptionErrorf("OLE2 stream %s: sector %d beyond end of file (%d sectors)", name, s, len(c.seen))
			}
			if c.seen[s] != 0 {
				return nil, corruptionErrorf("%s corruption: sector %d already seen (%d)", name, s, c.seen[s])
			}
			c.seen[s] = byte(seenID)
		}
		found++
		if foundLimit >= 0 && found > foundLimit {
			return nil, corruptionErrorf("OLE2 stream %s: chain exceeds the declared size of %d bytes; corrupt?", name, size)
		}
		startPos := base + s*secSize
		grab := secSize
		if size >= 0 {
			if grab > todo {
				grab = todo
			}
			todo -= grab
		}
		endPos := startPos + grab
		if startPos > len(mem) {
			return nil, corruptionErrorf("OLE2 stream %s: sector %d starts at %d, past end of data (%d)", name, s, startPos, len(mem))
		}
		if endPos > len(mem) {
			endPos = len(mem)
		}
		out = append(out, mem[startPos:endPos]...)
		if s >= len(sat) {
			return nil, corruptionErrorf("OLE2 stream %s: sector allocation table has no entry for sector %d", name, s)
		}
		s = sat[s]
	}
	if s != eocSID {
		return nil, corruptionErrorf("OLE2 stream %s: chain ended with sentinel %d, not end-of-chain", name, s)
	}
	if size >= 0 && todo != 0 {
		c.logger.Warn("OLE2 stream shorter than declared",
			zap.String("stream", name), zap.Int("expected", size), zap.Int("actual", size-todo))
	}
	return out, nil
}

// dirSearch resolves a /-split path, case-insensitively, within the given
// storage. Returns nil (no error) when the path simply does not exist.
func (c *CompDoc) dirSearch(path []string, storageDID int) (*DirNode, error) {
	head := path[0]
	tail := path[1:]
	for _, childDID := range c.dirList[storageDID].Children {
		child := c.dirList[childDID]
		if !strings.EqualFold(child.Name, head) {
			continue
		}
		switch child.EType {
		case 2: // stream
			if len(tail) > 0 {
				return nil, corruptionErrorf("requested component %q is a stream, not a storage", head)
			}
			return child, nil
		case 1: // storage
			if len(tail) == 0 {
				return nil, corruptionErrorf("requested component %q is a storage, not a stream", head)
			}
			return c.dirSearch(tail, childDID)
		default:
			return nil, corruptionErrorf("requested component %q is not a user stream (etype=%d)", head, child.EType)
		}
	}
	return nil, nil
}

// GetNamedStream returns a named stream's bytes as one owned buffer.
// The name may be a /-delimited path into nested storages.
func (c *CompDoc) GetNamedStream(qname string) ([]byte, error) {
	d, err := c.dirSearch(strings.Split(qname, "/"), 0)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, &StreamNotFoundError{Name: qname}
	}
	if d.TotSize >= c.minSizeStdStream {
		return c.getStream(c.mem, 512, c.SAT, c.secSize, d.FirstSID, d.TotSize, qname, d.DID+6)
	}
	return c.getStream(c.SSCS, 0, c.SSAT, c.shortSecSize, d.FirstSID, d.TotSize, qname+" (from SSCS)", 0)
}

// LocateNamedStream resolves a named stream to a byte source plus the
// offset of the stream within it. A contiguous stream is a zero-copy view
// into the container bytes; a fragmented one is either copied (small) or
// served lazily (large).
func (c *CompDoc) LocateNamedStream(qname string) (byteSource, int, int, error) {
	d, err := c.dirSearch(strings.Split(qname, "/"), 0)
	if err != nil {
		return nil, 0, 0, err
	}
	if d == nil {
		return nil, 0, 0, &StreamNotFoundError{Name: qname}
	}
	if d.TotSize > c.memDataLen {
		return nil, 0, 0, corruptionErrorf("%s stream length (%d bytes) > file data size (%d bytes)", qname, d.TotSize, c.memDataLen)
	}
	if d.TotSize >= c.minSizeStdStream {
		return c.locateStream(d.FirstSID, d.TotSize, qname, d.DID+6)
	}
	stream, err := c.getStream(c.SSCS, 0, c.SSAT, c.shortSecSize, d.FirstSID, d.TotSize, qname+" (from SSCS)", 0)
	if err != nil {
		return nil, 0, 0, err
	}
	return memSource(stream), 0, d.TotSize, nil
}

func (c *CompDoc) locateStream(startSID, expectedSize int, qname string, seenID int) (byteSource, int, int, error) {
	s := startSID
	if s < 0 {
		return nil, 0, 0, corruptionErrorf("%s: start sector id is negative (%d)", qname, startSID)
	}
	p := -99 // dummy previous SID
	startPos := -9999
	endPos := -8888
	var frags [][2]int
	totFound := 0
	foundLimit := (expectedSize + c.secSize - 1) / c.secSize
	for s >= 0 {
		if s >= len(c.seen) {
			return nil, 0, 0, corruptionErrorf("%s: sector %d beyond end of file (%d sectors)", qname, s, len(c.seen))
		}
		if c.seen[s] != 0 && !c.ignoreCorruption {
			return nil, 0, 0, corruptionErrorf("%s corruption: sector %d already seen (%d)", qname, s, c.seen[s])
		}
		c.seen[s] = byte(seenID)
		totFound++
		if totFound > foundLimit {
			// expected size rounded up to the next whole sector
			return nil, 0, 0, corruptionErrorf("%s: chain exceeds expected %d bytes; corrupt?", qname, foundLimit*c.secSize)
		}
		if s == p+1 {
			// contiguous with the previous sector
			endPos += c.secSize
		} else {
			if p >= 0 {
				frags = append(frags, [2]int{startPos, endPos})
			}
			startPos = 512 + s*c.secSize
			endPos = startPos + c.secSize
		}
		p = s
		if s >= len(c.SAT) {
			return nil, 0, 0, corruptionErrorf("%s: sector allocation table has no entry for sector %d", qname, s)
		}
		s = c.SAT[s]
	}
	if s != eocSID {
		return nil, 0, 0, corruptionErrorf("%s: chain ended with sentinel %d, not end-of-chain", qname, s)
	}
	if totFound != foundLimit {
		if !c.ignoreCorruption {
			return nil, 0, 0, corruptionErrorf("%s: found %d sectors, expected %d", qname, totFound, foundLimit)
		}
		c.logger.Warn("stream chain length differs from declared size",
			zap.String("stream", qname), zap.Int("found", totFound), zap.Int("expected", foundLimit))
	}
	if len(frags) == 0 {
		// contiguous: serve straight out of the container bytes
		return memSource(c.mem), startPos, expectedSize, nil
	}
	frags = append(frags, [2]int{startPos, endPos})
	if expectedSize < scatterThreshold || c.path == "" {
		out := make([]byte, 0, expectedSize)
		for _, f := range frags {
			end := f[1]
			if end > len(c.mem) {
				end = len(c.mem)
			}
			if f[0] < end {
				out = append(out, c.mem[f[0]:end]...)
			}
		}
		return memSource(out), 0, expectedSize, nil
	}
	c.logger.Debug("serving large fragmented stream lazily",
		zap.String("stream", qname), zap.Int("fragments", len(frags)), zap.Int("size", expectedSize))
	return newScatteredSource(c.path, frags, expectedSize, c.logger), 0, expectedSize, nil
}

func geti32(b []byte, off int) int {
	return int(int32(binary.LittleEndian.Uint32(b[off : off+4])))
}
