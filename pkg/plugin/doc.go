// Package plugin serves the docker volume plugin protocol (JSON over a
// unix socket) and translates its requests onto the lifecycle manager.
package plugin
