package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mjmt05/pmf/hpmf"
)

func main() {
	var (
		flagEdgelistPath   = flag.String("edgelist", "", "training edge list path with schema user,item[,count]")
		flagLatentDims     = flag.Int("latentDims", 5, "number of latent factors")
		flagAlphaShape     = flag.Float64("alphaShape", 1.0, "shape parameter for the gamma prior for alpha")
		flagBetaShape      = flag.Float64("betaShape", 1.0, "shape parameter for the gamma prior for beta")
		flagZetaAlphaShape = flag.Float64("zetaAlphaShape", 1.0, "shape parameter for the gamma hyperprior for alpha")
		flagZetaBetaShape  = flag.Float64("zetaBetaShape", 1.0, "shape parameter for the gamma hyperprior for beta")
		flagZetaAlphaRate  = flag.Float64("zetaAlphaRate", 0.1, "rate parameter for the gamma hyperprior for alpha")
		flagZetaBetaRate   = flag.Float64("zetaBetaRate", 0.1, "rate parameter for the gamma hyperprior for beta")
		flagBerPo          = flag.Bool("berpo", false, "use the Bernoulli-Poisson model (treat counts as binary)")
		flagThreshold      = flag.Float64("threshold", 0.00001, "convergence threshold on the relative change between two consecutive ELBO values")
		flagMaxIter        = flag.Int("maxIter", 500, "max iterations for the variational inference algorithm")
		flagOutDir         = flag.String("outDir", ".", "directory for the latent parameter tables alpha.txt and beta.txt")
		flagSaveFile       = flag.String("save", "", "optional path for a JSON model checkpoint")
		flagSeed           = flag.Int64("seed", -1, "seed for the random number generator; negative seeds from the clock")
	)
	flag.Parse()

	if *flagEdgelistPath == "" {
		fmt.Fprintln(os.Stderr, "-edgelist is required")
		flag.Usage()
		os.Exit(2)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()
	hpmf.SetLogger(log)

	data, err := hpmf.NewDataContainerFromFile(*flagEdgelistPath)
	if err != nil {
		log.Error("loading edge list failed", zap.Error(err))
		os.Exit(1)
	}

	model, err := hpmf.NewHPMF(data.NumUsers(), data.NumItems(), *flagLatentDims, *flagBerPo, hpmf.Priors{
		AlphaShape:     *flagAlphaShape,
		BetaShape:      *flagBetaShape,
		ZetaAlphaShape: *flagZetaAlphaShape,
		ZetaBetaShape:  *flagZetaBetaShape,
		ZetaAlphaRate:  *flagZetaAlphaRate,
		ZetaBetaRate:   *flagZetaBetaRate,
	})
	if err != nil {
		log.Error("building model failed", zap.Error(err))
		os.Exit(1)
	}

	inference, err := hpmf.NewVI(data, model, hpmf.VIConfig{
		Seed:                 *flagSeed,
		ConvergenceThreshold: *flagThreshold,
		MaxIterations:        *flagMaxIter,
		ShowProgress:         true,
	})
	if err != nil {
		log.Error("building inference engine failed", zap.Error(err))
		os.Exit(1)
	}
	status := inference.RunAlgorithm()
	log.Info("inference finished",
		zap.Stringer("status", status),
		zap.Int("iterations", inference.Iterations()),
		zap.Float64("elbo", inference.ELBO()))

	if err := model.WriteState(*flagOutDir, data.UserLabels(), data.ItemLabels()); err != nil {
		log.Error("writing model state failed", zap.Error(err))
		os.Exit(1)
	}
	if *flagSaveFile != "" {
		if err := model.Save(*flagSaveFile); err != nil {
			log.Error("saving model checkpoint failed", zap.Error(err))
			os.Exit(1)
		}
	}
}
