/*
Package api exposes converge's health surfaces.

Two servers are provided. Server is a gRPC server carrying the standard
grpc.health.v1 service plus reflection; every service reports NOT_SERVING
until SetServing(true) is called after the first successful orchestration
cycle. HealthServer is a small HTTP server with:

	/health   liveness, always 200 while the process runs
	/ready    200 once the store answers and the critical components
	          registered in pkg/metrics report healthy, 503 otherwise
	/metrics  Prometheus metrics

# Usage

	grpcServer := api.NewServer()
	go grpcServer.Start("127.0.0.1:9091")
	defer grpcServer.Stop()

	hs := api.NewHealthServer(store, version)
	go hs.Start("127.0.0.1:9090")

	orch.OnCycle(func(_ *orchestrator.Result, err error) {
		if err == nil {
			grpcServer.SetServing(true)
		}
	})

Every unary call goes through LoggingInterceptor. Health probes are logged
at trace level so they do not flood debug output.
*/
package api
