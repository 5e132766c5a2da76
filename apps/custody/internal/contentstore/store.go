package contentstore

import (
	"context"
	"fmt"

	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// Store is a content-addressed blob store. Add returns the CID of the stored bytes.
type Store interface {
	Add(ctx context.Context, data []byte) (cid.Cid, error)
}

var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    uint64(mc.Raw),
	MhType:   mh.SHA2_256,
	MhLength: -1, // default length
}

// Sum returns the CIDv1 (raw codec, sha2-256) of data.
func Sum(data []byte) (cid.Cid, error) {
	c, err := rawPrefix.Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute cid: %w", err)
	}
	return c, nil
}
