// Package model defines the declarative CI pipeline representation: the
// pipeline itself, its trigger configuration (model/trigger) and the job and
// step graph including matrix strategies (model/graph).
package model
