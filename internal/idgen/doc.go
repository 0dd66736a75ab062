// Package idgen centralises identifier generation so that every component
// (runs, job runs, queue messages) shares one stubbable source.
package idgen
