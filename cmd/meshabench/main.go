// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command meshabench fills a meshanina database with random
// content-addressed pairs and reports insert, flush, and lookup
// timings.
package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"os"
	"time"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/meshanina"
)

const (
	nPairs    = 100000
	batchSize = 1000
	valueLen  = 512
)

func newRand() *mrand.Rand {
	var seedBytes [8]byte
	if _, err := crand.Read(seedBytes[:]); err != nil {
		panic(err)
	}
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return mrand.New(mrand.NewSource(seed))
}

// contentKey derives a 256-bit key from a value, standing in for
// whatever strong hash an embedder uses.
func contentKey(value []byte) (key [32]byte) {
	lo, hi := farm.Fingerprint128(value)
	binary.LittleEndian.PutUint64(key[0:8], lo)
	binary.LittleEndian.PutUint64(key[8:16], hi)
	binary.LittleEndian.PutUint64(key[16:24], farm.Fingerprint64(value))
	binary.LittleEndian.PutUint64(key[24:32], lo^hi)
	return key
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <db-file>\n", os.Args[0])
		os.Exit(1)
	}

	db, err := meshanina.Open(os.Args[1])
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			panic(err)
		}
	}()

	rng := newRand()
	keys := make([][32]byte, nPairs)

	insertStart := time.Now()
	var flushTime time.Duration
	for i := 0; i < nPairs; i++ {
		value := make([]byte, valueLen)
		if _, err := rng.Read(value); err != nil {
			panic(err)
		}
		keys[i] = contentKey(value)
		if err := db.Insert(keys[i], value); err != nil {
			panic(err)
		}
		if (i+1)%batchSize == 0 {
			flushStart := time.Now()
			if err := db.Flush(); err != nil {
				panic(err)
			}
			flushTime += time.Since(flushStart)
		}
	}
	insertTime := time.Since(insertStart) - flushTime

	lookupStart := time.Now()
	for _, key := range keys {
		_, found, err := db.Get(key)
		if err != nil {
			panic(err)
		}
		if !found {
			panic(fmt.Sprintf("key %x missing", key[:8]))
		}
	}
	lookupTime := time.Since(lookupStart)

	fmt.Printf("%d pairs of %d bytes\n", nPairs, valueLen)
	fmt.Printf("insert: %v (%v/op)\n", insertTime, insertTime/nPairs)
	fmt.Printf("flush:  %v over %d batches\n", flushTime, nPairs/batchSize)
	fmt.Printf("lookup: %v (%v/op)\n", lookupTime, lookupTime/nPairs)
}
