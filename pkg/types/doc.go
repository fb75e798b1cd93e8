/*
Package types defines the shared data model for startd.

All identifiers, versions, manifest shapes, status unions and dependency
declarations live here so the supervisor, effect bus, network controller and
database agree on one vocabulary. Everything serializes as kebab-case JSON,
which is the wire and storage form throughout.

Versions are semver with a fourth "patch-of-patch" revision component:
"1.2.3.4" orders after "1.2.3" and before "1.2.4". Ranges apply to the
semver base.
*/
package types
