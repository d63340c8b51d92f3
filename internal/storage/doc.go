// Package storage declares the persistence boundary used by ceremonies.
//
// Interfaces stay narrow so the ceremony layer can be exercised with fakes
// while the SQLite implementation owns schema and mapping details.
package storage
