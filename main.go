package main

func main() {
	err := newRootCmd().Execute()

	if cleanupErr := logCleanup(); cleanupErr != nil && err == nil {
		err = cleanupErr
	}

	if err != nil {
		exitOnError(err)
	}
}
