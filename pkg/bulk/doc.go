/*
Package bulk imports and exports the resource graph.

Two formats are supported. The directory layout has one folder per
resource type holding one JSON file per resource, plus tags.txt and
links.txt:

	graph/
	├── Machine/
	│   └── m1.json
	├── DnsEntry/
	│   └── m1%7CA%7C10.0.0.5.json
	├── tags.txt      Machine/m1;production
	└── links.txt     Application/web;INSTALLED_ON;Machine/m1

The YAML dump holds the same content in one document:

	resources:
	  - kind: Machine
	    spec:
	      name: m1
	tags:
	  - Machine/m1;production

Exports carry no internal ids. Imports stage everything on one changeset,
resources first, then tags, then links, for the caller to execute.
Resources already present in the store are staged as updates.

Watcher keeps a directory layout and the graph in step: it calls back once
the files under the directory stopped changing for the debounce delay, and
the serve command re-imports the directory from that callback. Removing a
file does not delete its resource.
*/
package bulk
