// Package changeevent defines the canonical row-level change record shared
// by every CDC source in cdcflow. Both the broker-connect source
// (pkg/source/connectsource) and the logical-replication source
// (pkg/source/logicalsource) parse their native envelopes into a
// changeevent.ChangeEvent before handing them to the rest of the pipeline, so
// everything downstream of ingestion is source-agnostic.
package changeevent
