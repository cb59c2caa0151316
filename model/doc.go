// Package model defines the core identifiers shared by all shardedup
// packages: global document identity, flag bytes, and the survivor
// ordering used to break ties between near-duplicate candidates.
package model
