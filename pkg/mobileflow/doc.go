// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package mobileflow provides a Go library for running Maestro UI flows against a
freshly provisioned Android emulator or iOS simulator.

# Overview

A run always starts from a clean slate: running devices are killed, the device
image is recreated, the device is launched and polled until it reports boot
completion, the build artifact is installed and the flows are executed. The
device is torn down afterwards whether the flows pass or not.

# Quick Start

	import "github.com/forkbombeu/mobileflow/pkg/mobileflow"

	func main() {
		mgr := mobileflow.NewWithCorrelationID("build-42")

		res, err := mgr.Run(mobileflow.RunOptions{
			SystemImage: "system-images;android-34;google_apis;x86_64",
			ArtifactDir: "app/build/outputs",
		})
		if mobileflow.IsKind(err, mobileflow.KindTestExecution) {
			// flows failed, device already torn down
		}
		_ = res
	}

# Boot Waiting

The boot waiter polls with exponential backoff (2s, 3s, 5s, 9s, 17s, capped at
30s). When MaxPollAttempts polls pass without completion the image is deleted,
recreated and relaunched, up to MaxBootRetries times.

# Publishing

Upload sends the top-level files of a screenshots folder to S3 under
<project>/<version>/[<theme>/]<device>/. Notify posts an HMAC-SHA256 signed
JSON payload (header X-Action-Signature) to a webhook.

# Environment Configuration

By default, the manager auto-detects paths from environment variables:
  - MOBILEFLOW_PLATFORM
  - MOBILEFLOW_SDK_ROOT, ANDROID_SDK_ROOT or ANDROID_HOME
  - MOBILEFLOW_*_BIN for each tool
  - MOBILEFLOW_SETTLE_DELAY

Use NewWithEnv() to override with custom paths.

# Thread Safety

A Manager drives one device at a time. Running two lifecycles against the same
image name concurrently is undefined.

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package mobileflow
