/*
Package runtime drives the container engine on behalf of the orchestrator.

Runtime is the narrow set of blocking operations the orchestrator needs:
build an image, start a container with a restart policy, stop and remove
it, list running containers, copy files in, exec a command, and manage the
shared network. Every call takes a context bounding it.

# Implementations

DockerRuntime runs the docker CLI through a Runner. Builds write a
Dockerfile generated from the application definition into a temporary
build context. The list of running containers is cached for a short TTL and
invalidated by every start or stop.

	rt := runtime.NewDockerRuntime(runtime.DockerConfig{
		ListCacheTTL: 5 * time.Second,
	}, nil)

ContainerdRuntime talks to containerd directly in the "converge" namespace.
It runs prebuilt images only: builds resolve and pull the definition's
base image, while copies, networks and build steps return ErrUnsupported.

# Naming

Images are tagged converge/<application>:<first 12 hex digits of the image
hash>, so an unchanged definition maps to an image that already exists.
RunSpecFor derives the run arguments (ports, volumes, hosts, restart
policy) of an application instance.
*/
package runtime
