package process

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/forgebuild/forge/pkg/digest"
)

// CanonicalDigest computes the digest under which a process's results
// are memoized. The encoding covers every field that influences
// behavior, in a fixed order with length-prefixed strings, so that
// logically equal processes collide and any semantic difference
// separates them. The Description field is deliberately excluded.
func CanonicalDigest(p *Process) digest.Digest {
	hw := digest.NewHashingWriter(io.Discard)

	writeStrings(hw, 'a', p.Argv)
	writeStringMap(hw, 'e', p.Env)
	writeString(hw, 'w', p.WorkingDirectory)
	writeDigest(hw, 'i', p.InputDigest.Digest)

	immutablePaths := sortedKeys(p.ImmutableInputs)
	writeTag(hw, 'm', len(immutablePaths))
	for _, immutablePath := range immutablePaths {
		writeString(hw, 'p', immutablePath)
		writeDigest(hw, 'd', p.ImmutableInputs[immutablePath].Digest)
	}

	cacheNames := sortedKeys(p.NamedCaches)
	writeTag(hw, 'n', len(cacheNames))
	for _, name := range cacheNames {
		writeString(hw, 'k', name)
		writeString(hw, 'v', p.NamedCaches[name])
	}

	writeStrings(hw, 'f', sortedCopy(p.OutputFiles))
	writeStrings(hw, 'o', sortedCopy(p.OutputDirectories))

	var timeoutNanos [8]byte
	binary.BigEndian.PutUint64(timeoutNanos[:], uint64(p.Timeout.Nanoseconds()))
	hw.Write([]byte{'t'})
	hw.Write(timeoutNanos[:])

	writeString(hw, 'x', p.Execution.Descriptor())
	hw.Write([]byte{'s', byte(p.Scope)})

	return hw.Sum()
}

func writeTag(w io.Writer, tag byte, count int) {
	var b [9]byte
	b[0] = tag
	binary.BigEndian.PutUint64(b[1:], uint64(count))
	w.Write(b[:])
}

func writeString(w io.Writer, tag byte, s string) {
	writeTag(w, tag, len(s))
	io.WriteString(w, s)
}

func writeStrings(w io.Writer, tag byte, values []string) {
	writeTag(w, tag, len(values))
	for _, v := range values {
		writeString(w, tag, v)
	}
}

func writeStringMap(w io.Writer, tag byte, m map[string]string) {
	keys := sortedKeys(m)
	writeTag(w, tag, len(keys))
	for _, key := range keys {
		writeString(w, tag, key)
		writeString(w, tag, m[key])
	}
}

func writeDigest(w io.Writer, tag byte, d digest.Digest) {
	fingerprint := d.Fingerprint()
	w.Write([]byte{tag})
	w.Write(fingerprint[:])
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(d.SizeBytes()))
	w.Write(size[:])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(values []string) []string {
	c := make([]string, len(values))
	copy(c, values)
	sort.Strings(c)
	return c
}
