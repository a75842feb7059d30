// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Rewriter builds a new body for a function, operation by operation, and swaps it in only on Commit.
//
// Transformations that may fail midway build into the Rewriter and simply drop it on error: the source
// function is never left partially rewritten.
//
// The new body starts with the same parameters (same types) as the source function, and keeps a mapping
// from source values to the new values that replace them.
type Rewriter struct {
	src *Function

	// Dst is the function being built. New operations are added to it with the usual builder methods.
	Dst *Function

	mapping        []ValueID
	resultsWereSet bool
}

// NewRewriter creates a Rewriter for src.
func NewRewriter(src *Function) *Rewriter {
	r := &Rewriter{
		src:     src,
		Dst:     NewFunction(src.name),
		mapping: slices.Repeat([]ValueID{NoValue}, len(src.values)),
	}
	for _, p := range src.parameters {
		r.mapping[p] = r.Dst.Parameter(src.Type(p))
	}
	return r
}

// Source returns the function being rewritten.
func (r *Rewriter) Source() *Function { return r.src }

// Map records that the source value old is replaced by the value newValue of Dst.
func (r *Rewriter) Map(old, newValue ValueID) {
	r.src.checkValue(old)
	r.Dst.checkValue(newValue)
	r.mapping[old] = newValue
}

// Lookup returns the Dst value that replaces the source value old. NoValue maps to NoValue.
// It panics if old has not been mapped yet.
func (r *Rewriter) Lookup(old ValueID) ValueID {
	if old == NoValue {
		return NoValue
	}
	r.src.checkValue(old)
	v := r.mapping[old]
	if v == NoValue {
		exceptions.Panicf("rewrite of %q: value %%%d used before being mapped", r.src.name, old)
	}
	return v
}

// IsMapped returns whether the source value old has already been mapped.
func (r *Rewriter) IsMapped(old ValueID) bool {
	r.src.checkValue(old)
	return r.mapping[old] != NoValue
}

// LookupAll maps a list of source values.
func (r *Rewriter) LookupAll(olds []ValueID) []ValueID {
	news := make([]ValueID, len(olds))
	for ii, old := range olds {
		news[ii] = r.Lookup(old)
	}
	return news
}

// Clone copies the source operation op into Dst, with its operands mapped, and maps its results
// to the results of the copy.
func (r *Rewriter) Clone(op *Op) *Op {
	resultTypes := make([]Type, len(op.Results))
	for ii, result := range op.Results {
		resultTypes[ii] = r.src.Type(result)
	}
	newOp := r.Dst.AddOp(op.Type, op.Data, resultTypes, r.LookupAll(op.Operands)...)
	for ii, result := range op.Results {
		r.mapping[result] = newOp.Results[ii]
	}
	return newOp
}

// SetResults sets the results of Dst explicitly. If not called, Commit uses the mapped results of the
// source function.
func (r *Rewriter) SetResults(results ...ValueID) {
	r.Dst.Return(results...)
	r.resultsWereSet = true
}

// Commit replaces the body of the source function with the rewritten one. The Rewriter must not be
// used afterward.
func (r *Rewriter) Commit() error {
	if !r.resultsWereSet {
		err := exceptions.TryCatch[error](func() {
			r.Dst.Return(r.LookupAll(r.src.results)...)
		})
		if err != nil {
			return err
		}
	}
	if err := r.Dst.Validate(); err != nil {
		return err
	}
	r.src.replaceBody(r.Dst)
	r.Dst = nil
	return nil
}
