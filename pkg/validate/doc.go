/*
Package validate checks workflow drafts before materialisation.

Draft is a pure function over the spec plus an injected file-meta lookup.
Rules run in a fixed order and the first violation wins, surfacing as
*errdefs.DraftViolationError with a stable numeric code for the boundary.
*/
package validate
