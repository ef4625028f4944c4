package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Posting records one document's occurrences of a term. Lists are always
// sorted by document id ascending, which keeps merge-joins and boolean
// set operations linear.
type Posting struct {
	DocID     uint32
	Freq      uint32
	Positions []uint32
}

// TermPostings is a term with its postings list, the unit the builder
// serializes.
type TermPostings struct {
	Field    string
	Term     string
	Postings []Posting
}

// DictEntry locates a term's postings block inside terms.fdx.
// Offsets are relative to the postings region start.
type DictEntry struct {
	Field   string `json:"f"`
	Term    string `json:"t"`
	Offset  int64  `json:"o"`
	Length  int    `json:"l"`
	DocFreq uint32 `json:"d"`
}

// encodePostings serializes a postings list: doc-id deltas, frequencies,
// and position deltas, all uvarint.
func encodePostings(postings []Posting) []byte {
	var buf bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	put := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		buf.Write(scratch[:n])
	}

	put(uint64(len(postings)))
	var prevDoc uint32
	for i, p := range postings {
		delta := p.DocID
		if i > 0 {
			delta = p.DocID - prevDoc
		}
		prevDoc = p.DocID
		put(uint64(delta))
		put(uint64(p.Freq))
		put(uint64(len(p.Positions)))
		var prevPos uint32
		for j, pos := range p.Positions {
			pd := pos
			if j > 0 {
				pd = pos - prevPos
			}
			prevPos = pos
			put(uint64(pd))
		}
	}
	return buf.Bytes()
}

// decodePostings reverses encodePostings.
func decodePostings(data []byte) ([]Posting, error) {
	r := bytes.NewReader(data)

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("postings count: %w", err)
	}

	postings := make([]Posting, 0, count)
	var prevDoc uint32
	for i := uint64(0); i < count; i++ {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("doc delta: %w", err)
		}
		docID := uint32(delta)
		if i > 0 {
			docID = prevDoc + uint32(delta)
		}
		prevDoc = docID

		freq, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("freq: %w", err)
		}
		posCount, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("position count: %w", err)
		}

		var positions []uint32
		if posCount > 0 {
			positions = make([]uint32, posCount)
			var prevPos uint32
			for j := uint64(0); j < posCount; j++ {
				pd, err := binary.ReadUvarint(r)
				if err != nil {
					return nil, fmt.Errorf("position delta: %w", err)
				}
				pos := uint32(pd)
				if j > 0 {
					pos = prevPos + uint32(pd)
				}
				prevPos = pos
				positions[j] = pos
			}
		}

		postings = append(postings, Posting{DocID: docID, Freq: uint32(freq), Positions: positions})
	}
	return postings, nil
}

// sortTermPostings orders terms by (field, term) so the dictionary
// supports binary search and ordered range scans.
func sortTermPostings(terms []TermPostings) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Field != terms[j].Field {
			return terms[i].Field < terms[j].Field
		}
		return terms[i].Term < terms[j].Term
	})
}

// searchDict returns the index of the first dictionary entry >= (field, term).
func searchDict(dict []DictEntry, field, term string) int {
	return sort.Search(len(dict), func(i int) bool {
		if dict[i].Field != field {
			return dict[i].Field > field
		}
		return dict[i].Term >= term
	})
}
