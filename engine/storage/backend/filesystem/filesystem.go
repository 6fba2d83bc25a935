package objectstoragefilesystem

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/netutil"
	. "github.com/xiaonanln/godor/engine/storage/storage_common"
)

var (
	dataPacker = netutil.MessagePackMsgPacker{}
)

type fileSystemObjectStorage struct {
	directory string
}

func (es *fileSystemObjectStorage) getFilePath(doID common.DoID) string {
	return filepath.Join(es.directory, ObjectKey(doID))
}

func (es *fileSystemObjectStorage) Write(doID common.DoID, rec *ObjectRecord) error {
	saveFile := es.getFilePath(doID)
	dataBytes, err := dataPacker.PackMsg(rec, nil)
	if err != nil {
		return err
	}

	if consts.DEBUG_SAVE_LOAD {
		gwlog.Debugf("Saving to file %s: %s", saveFile, rec)
	}
	// records are replaced atomically
	tmpFile := saveFile + ".tmp"
	if err = ioutil.WriteFile(tmpFile, dataBytes, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, saveFile)
}

func (es *fileSystemObjectStorage) Read(doID common.DoID) (*ObjectRecord, error) {
	dataBytes, err := ioutil.ReadFile(es.getFilePath(doID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	rec := &ObjectRecord{}
	if err = dataPacker.UnpackMsg(dataBytes, rec); err != nil {
		return nil, errors.Wrapf(err, "read object %d", doID)
	}
	if rec.Fields == nil {
		rec.Fields = map[string][]byte{}
	}
	return rec, nil
}

func (es *fileSystemObjectStorage) Exists(doID common.DoID) (exists bool, err error) {
	_, err = os.Stat(es.getFilePath(doID))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (es *fileSystemObjectStorage) List() ([]common.DoID, error) {
	files, err := filepath.Glob(filepath.Join(es.directory, "obj$*"))
	if err != nil {
		return nil, err
	}
	res := make([]common.DoID, 0, len(files))
	for _, fpath := range files {
		_, fn := filepath.Split(fpath)
		if strings.HasSuffix(fn, ".tmp") {
			continue
		}
		doID, ok := ParseObjectKey(fn)
		if !ok {
			gwlog.Errorf("invalid file: %s", fpath)
			continue
		}
		res = append(res, doID)
	}
	return res, nil
}

func (es *fileSystemObjectStorage) Close() {
}

func (es *fileSystemObjectStorage) IsEOF(err error) bool {
	return false
}

// OpenDirectory opens a directory as object storage, creating it if needed
func OpenDirectory(directory string) (ObjectStorage, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	return &fileSystemObjectStorage{
		directory: directory,
	}, nil
}
