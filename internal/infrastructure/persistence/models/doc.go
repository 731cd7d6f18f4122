// Package models contains the GORM models for the billing tables. Domain
// types stay free of ORM tags; repositories map between the two.
//
// The postgres schema is owned by the SQL files in migrations/. AutoMigrate
// over AllModels is used for sqlite in development and tests, so the tags
// here must agree with those files.
package models
