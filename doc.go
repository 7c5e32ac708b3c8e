/*
Package aperture provides bag-of-visual-words image indexing and retrieval
for Go.

Aperture turns sets of high-dimensional float descriptors (SURF, SIFT, ...)
into sparse weighted word histograms over a trained hierarchical vocabulary,
and keeps an inverted-index database over those histograms for fast
similarity queries under six scoring functions.

# Overview

The pipeline has three stages. A Vocabulary is trained once from a corpus of
descriptor sets with hierarchical k-means++ (Nister, 2006): a k-branching,
L-deep tree whose leaves are the visual words. Transform then maps any
image's descriptors to a bag-of-words vector under tf-idf, tf, idf or binary
weighting, optionally suppressing over- and under-represented words with a
reversible stop list. Finally a Database stores vectors in an inverted index
and answers ranked similarity queries touching only the entries that share
words with the query.

# Quick Start

Train a vocabulary and query a database:

	package main

	import (
	    "fmt"
	    "log"

	    "github.com/wizenheimer/aperture"
	)

	func main() {
	    // 64-dimensional descriptors, branching factor 9, depth 3
	    voc, err := aperture.NewVocabulary(aperture.DefaultParams(9, 3, 64))
	    if err != nil {
	        log.Fatal(err)
	    }

	    // one flat []float32 of concatenated descriptors per training image
	    var training [][]float32
	    // ... fill from your feature extractor ...
	    if err := voc.Create(training); err != nil {
	        log.Fatal(err)
	    }

	    db := aperture.NewDatabase(voc)
	    for _, features := range training {
	        if _, err := db.AddFeatures(features); err != nil {
	            log.Fatal(err)
	        }
	    }

	    results, err := db.QueryFeatures(training[0], 4)
	    if err != nil {
	        log.Fatal(err)
	    }
	    for i, r := range results {
	        fmt.Printf("%d. entry=%d score=%.4f\n", i+1, r.Entry, r.Score)
	    }
	}

# Weighting

Four weighting methods control the values in bag-of-words vectors:

TFIDF (default): words are weighted ln(N/Ni) at training time and by their
in-document frequency at transform time. The standard choice.

TF: in-document frequency only.

IDF: ln(N/Ni) only; repeating a word within one image does not accumulate.

Binary: every present word gets value 1.

# Scoring

Six scoring methods compare bag-of-words vectors, both pairwise
(Vocabulary.Score) and in database queries:

	L1Norm           L1 distance, L1-normalized     lower raw distance is better
	L2Norm           L2 distance, L2-normalized
	ChiSquare        chi-square distance, L1-normalized
	KullbackLeibler  KL divergence, L1-normalized   not commutative
	Bhattacharyya    Bhattacharyya coefficient      in [0, 1], higher is better
	DotProduct       plain dot product              higher is better

With Params.ScaleScore set, L1, L2 and chi-square scores are mapped into
[0, 1] where 1 is a perfect match. Query results always come back best
first under the active scoring's convention.

# Stop Lists

Words that occur everywhere (or almost nowhere) carry little signal.
StopWords(nf, ni) suppresses the nf most and ni least frequent words from
later Transform calls; StopWords(0, 0) restores them all. Calls replace the
previous configuration rather than stacking.

	voc.StopWords(100, 0)            // drop the 100 most frequent words
	voc.StopWordsFraction(0.01, 0)   // or the top 1%

# Persistence

Vocabularies and databases serialize to three formats, auto-detected on
load: FormatBinary (compact, bit-exact), FormatText (interoperable,
human-readable) and FormatBinaryCompact (half-precision descriptors, about
half the size of binary, lossy).

	if err := db.Save("index.db", aperture.FormatBinary); err != nil {
	    log.Fatal(err)
	}
	db2, err := aperture.NewDatabaseFromFile("index.db")

# Thread Safety

All types are safe for concurrent use. Reads share; Create, AddEntry,
Clear, StopWords and loading are exclusive writers. The library is
synchronous throughout: no operation spawns goroutines.

# License

MIT License - Copyright (c) 2025 wizenheimer
*/
package aperture
